package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gridrepl/internal/engine"
	"github.com/roach88/gridrepl/internal/packet"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Node            string
	Value           string
	Txn             string
	ExpectedVersion uint64
	Timeout         time.Duration
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <op> [entry]",
		Short: "Apply a mutation on a running node",
		Long: `Apply a mutation on a running node.

Ops: insert, update, remove, begin, prepare, commit, rollback.
Data ops take an entry; prepare, commit and rollback take --txn.

Example:
  gridrepl apply insert user:1 --value alice
  gridrepl apply begin
  gridrepl apply update user:1 --value bob --txn 0190a5d2-... --expected-version 1
  gridrepl apply commit --txn 0190a5d2-...`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.mutation(args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid mutation", err)
			}
			return applyMutation(opts, m, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Node, "node", "http://127.0.0.1:7420", "node admin URL")
	cmd.Flags().StringVar(&opts.Value, "value", "", "entry payload")
	cmd.Flags().StringVar(&opts.Txn, "txn", "", "transaction id")
	cmd.Flags().Uint64Var(&opts.ExpectedVersion, "expected-version", 0, "version the entry must have")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	return cmd
}

func (o *ApplyOptions) mutation(args []string) (engine.Mutation, error) {
	op, err := engine.ParseOp(args[0])
	if err != nil {
		return engine.Mutation{}, err
	}
	m := engine.Mutation{
		Op:              op,
		Txn:             packet.TxnID(o.Txn),
		ExpectedVersion: o.ExpectedVersion,
	}
	if len(args) > 1 {
		m.Entry = args[1]
	}
	if o.Value != "" {
		m.Payload = []byte(o.Value)
	}
	return m, m.Validate()
}

func applyMutation(opts *ApplyOptions, m engine.Mutation, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	url := strings.TrimRight(opts.Node, "/") + MutationsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WrapExitError(ExitCommandError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	formatter.VerboseLog("POST %s %s", url, body)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "node unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapExitError(ExitCommandError, "read response", err)
	}
	var out struct {
		Status string         `json:"status"`
		Data   *engine.Result `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("node answered %d", resp.StatusCode), err)
	}

	if out.Error != nil {
		if err := formatter.Error(out.Error.Code, out.Error.Message, out.Error.Details); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "mutation failed", out.Error)
	}
	if out.Data == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("node answered %d without a result", resp.StatusCode))
	}
	return formatter.Success(out.Data, describeResult(m, *out.Data)...)
}

func describeResult(m engine.Mutation, res engine.Result) []string {
	if m.Op == engine.OpBegin {
		return []string{fmt.Sprintf("✓ begin %s", res.Txn)}
	}
	lines := []string{fmt.Sprintf("✓ %s accepted", m.Op)}
	for _, a := range res.Receipt {
		lines = append(lines, fmt.Sprintf("  %s #%d", a.Group, uint64(a.Key)))
	}
	return lines
}
