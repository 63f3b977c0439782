package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/roach88/gridrepl/internal/conflict"
	"github.com/roach88/gridrepl/internal/metrics"
	"github.com/roach88/gridrepl/internal/mvcc"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
)

// EntriesPath serves reads on a receiving replica.
const EntriesPath = "/v1/entries"

// ReceiveOptions holds flags for the receive command.
type ReceiveOptions struct {
	*RootOptions
	Name        string
	Listen      string
	Config      string
	Generations uint64
}

// EntryView is an entry as served by a replica.
type EntryView struct {
	Entry      string `json:"entry"`
	Value      string `json:"value"`
	Version    uint64 `json:"version"`
	Generation uint64 `json:"generation"`
}

// NewReceiveCommand creates the receive command.
func NewReceiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReceiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a replica that receives batches over HTTP",
		Long: `Run an in-memory replica target.

The replica applies batches posted by replication nodes, resolves conflicts
with the policy of each group that lists it as a target, and serves reads
bound to a generation.

Routes:
  POST /v1/batches
  POST /v1/snapshots
  GET  /v1/entries/{entry}?generation=N
  GET  /metrics
  GET  /healthz

Example:
  gridrepl receive --name replica-1 --listen :7501 --config topology.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "target name (required)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:7501", "listen address")
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "topology file with per-group conflict policies")
	cmd.Flags().Uint64Var(&opts.Generations, "retain-generations", 0, "readable generations kept behind the newest (0 keeps all)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runReceive(opts *ReceiveOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	replicaOpts := []target.Option{target.WithLogger(logger)}
	if opts.Generations > 0 {
		replicaOpts = append(replicaOpts, target.WithRetainGenerations(opts.Generations))
	}
	if opts.Config != "" {
		cfg, err := topology.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load topology", err)
		}
		policies, err := replicaPolicies(cfg, opts.Name)
		if err != nil {
			return WrapExitError(ExitFailure, "invalid conflict policy", err)
		}
		replicaOpts = append(replicaOpts, policies...)
	}
	replica := target.New(opts.Name, replicaOpts...)

	m := metrics.New()
	if err := m.Register(metrics.NewReplicaCollector(replica)); err != nil {
		return fmt.Errorf("register replica metrics: %w", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: opts.Listen, Handler: replicaRouter(replica, m), ReadHeaderTimeout: shutdownTimeout}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("replica started", "target", opts.Name, "listen", opts.Listen)
	fmt.Fprintf(cmd.OutOrStdout(), "Replica %s listening on %s.\n", opts.Name, opts.Listen)

	select {
	case err, ok := <-errCh:
		if ok {
			return WrapExitError(ExitFailure, "listener error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	slog.Info("replica stopped", "target", opts.Name, "entries", replica.Len())
	return nil
}

// replicaPolicies returns a policy option for every group that lists name
// as a target.
func replicaPolicies(cfg *topology.Config, name string) ([]target.Option, error) {
	var out []target.Option
	for _, g := range cfg.Groups {
		for _, t := range g.Targets {
			if t.Name != name {
				continue
			}
			p, err := conflict.ParsePolicy(g.Conflicts)
			if err != nil {
				return nil, fmt.Errorf("group %s: %w", g.Name, err)
			}
			out = append(out, target.WithPolicy(g.Name, p))
		}
	}
	return out, nil
}

func replicaRouter(r *target.Replica, m *metrics.Metrics) chi.Router {
	router := transport.NewHandler(r)
	router.Method(http.MethodGet, MetricsPath, m.Handler())
	router.Get(EntriesPath+"/{entry}", func(w http.ResponseWriter, req *http.Request) {
		entry := chi.URLParam(req, "entry")
		gen := r.Generation()
		if s := req.URL.Query().Get("generation"); s != "" {
			parsed, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, nil, &CLIError{Code: ErrCodeRequest, Message: "invalid generation " + s})
				return
			}
			gen = parsed
		}

		v, ok, err := r.Read(entry, gen)
		switch {
		case mvcc.IsExpired(err):
			writeJSON(w, http.StatusGone, nil, &CLIError{Code: ErrCodeExpired, Message: err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, nil, &CLIError{Code: ErrCodeGeneric, Message: err.Error()})
		case !ok:
			writeJSON(w, http.StatusNotFound, nil, &CLIError{Code: ErrCodeNotFound, Message: "no entry " + entry})
		default:
			writeJSON(w, http.StatusOK, EntryView{
				Entry:      entry,
				Value:      string(v.Value),
				Version:    v.Version,
				Generation: v.Generation,
			}, nil)
		}
	})
	return router
}
