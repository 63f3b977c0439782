package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/gridrepl/internal/conflict"
	"github.com/roach88/gridrepl/internal/topology"
)

// GroupSummary describes one validated group.
type GroupSummary struct {
	Name        string   `json:"name"`
	Ordering    string   `json:"ordering"`
	Lanes       int      `json:"lanes"`
	Reliability string   `json:"reliability"`
	Targets     []string `json:"targets"`
	Retention   int      `json:"retention_limit,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Node   string         `json:"node"`
	Groups []GroupSummary `json:"groups"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <topology.yaml>",
		Short: "Validate a topology file",
		Long: `Validate a topology file without starting a node.

Checks the file against the topology schema, then checks group names,
ordering strategies, targets and conflict policies.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := topology.Load(path)
	if err != nil {
		if ferr := formatter.Error(ErrCodeTopology, err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "topology invalid", err)
	}
	formatter.VerboseLog("Loaded %d group(s) from %s", len(cfg.Groups), path)

	result := ValidationResult{Valid: true, Node: cfg.Node}
	for _, g := range cfg.Groups {
		if _, err := conflict.ParsePolicy(g.Conflicts); err != nil {
			msg := fmt.Sprintf("group %s: %v", g.Name, err)
			if ferr := formatter.Error(ErrCodeTopology, msg, nil); ferr != nil {
				return ferr
			}
			return NewExitError(ExitFailure, msg)
		}
		result.Groups = append(result.Groups, GroupSummary{
			Name:        g.Name,
			Ordering:    string(g.Ordering),
			Lanes:       g.Lanes(),
			Reliability: string(g.Reliability),
			Targets:     g.TargetNames(),
			Retention:   g.RetentionLimit,
		})
	}

	lines := []string{fmt.Sprintf("✓ Topology valid: node %s, %d group(s)", cfg.Node, len(result.Groups))}
	for _, g := range result.Groups {
		lines = append(lines, fmt.Sprintf("  %s  %s/%d  %s  -> %s",
			g.Name, g.Ordering, g.Lanes, g.Reliability, strings.Join(g.Targets, ", ")))
	}
	return formatter.Success(result, lines...)
}
