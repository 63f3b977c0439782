package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Journal     string
	Listen      string
	SendTimeout time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replication node",
		Long: `Run a replication node.

The node restores its journaled groups, accepts mutations on its admin
listener and delivers every group's backlog to the group's targets over
HTTP. Targets that fall behind the retained backlog are resynchronised
from a snapshot of the node's primary copy.

Admin routes:
  POST /v1/mutations       apply a mutation (JSON)
  GET  /v1/groups          backlog state of every group
  GET  /v1/groups/{group}  backlog state of one group
  GET  /metrics            Prometheus metrics
  GET  /healthz

Example:
  gridrepl run --config topology.yaml
  gridrepl run --config topology.yaml --journal /var/lib/gridrepl/node.db --listen :7420`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "topology file (required)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal database path (overrides the topology)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "admin listen address (overrides the topology)")
	cmd.Flags().DurationVar(&opts.SendTimeout, "send-timeout", 10*time.Second, "per-request timeout towards targets")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := topology.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load topology", err)
	}
	journal := cfg.Journal
	if opts.Journal != "" {
		journal = opts.Journal
	}
	listen := cfg.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	if listen == "" {
		listen = topology.Default().Listen
	}

	eps, err := endpoints(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid topology", err)
	}
	client := transport.NewClient(eps, opts.SendTimeout)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	n, err := openNode(ctx, cfg, journal, client, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			slog.Error("error closing journal", "error", closeErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := &http.Server{
		Addr:              listen,
		Handler:           n.adminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.fleet.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("node started", "node", cfg.Node, "listen", listen, "groups", len(n.groups), "journal", journal)
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s listening on %s.\n", cfg.Node, listen)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "node error", err)
	}

	slog.Info("node stopped gracefully")
	return nil
}
