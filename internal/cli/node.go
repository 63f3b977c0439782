package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/delivery"
	"github.com/roach88/gridrepl/internal/engine"
	"github.com/roach88/gridrepl/internal/metrics"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/store"
	"github.com/roach88/gridrepl/internal/target"
	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
	"github.com/roach88/gridrepl/internal/txn"
)

// Admin routes served by a running node.
const (
	MutationsPath = "/v1/mutations"
	GroupsPath    = "/v1/groups"
	MetricsPath   = "/metrics"
)

const maxMutationBytes = 16 << 20

// node is one replication node: the journal, the groups restored from it,
// the single-writer engine with its primary copy and a delivery worker per
// group target.
type node struct {
	cfg     *topology.Config
	store   *store.Store
	groups  []*backlog.Group
	engine  *engine.Engine
	fleet   *delivery.Fleet
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// openNode restores every journaled group from journal (":memory:" when
// empty) and wires the pipeline to tr.
func openNode(ctx context.Context, cfg *topology.Config, journal string, tr transport.Transport, logger *slog.Logger) (*node, error) {
	if journal == "" {
		journal = ":memory:"
	}
	st, err := store.Open(journal)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}

	n := &node{cfg: cfg, store: st, metrics: metrics.New(), logger: logger}
	builder := &backlog.Builder{Journal: st, Logger: logger}
	for _, gc := range cfg.Groups {
		g, err := restoreGroup(ctx, builder, st, gc)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to restore group %s", gc.Name), err)
		}
		n.groups = append(n.groups, g)
	}

	if err := n.metrics.Register(metrics.NewBacklogCollector(n.Groups)); err != nil {
		st.Close()
		return nil, fmt.Errorf("register backlog metrics: %w", err)
	}

	source := packet.NodeID(cfg.Node)
	n.engine = engine.New(source, n.groups,
		engine.WithPrimary(target.New(cfg.Node, target.WithLogger(logger))),
		engine.WithInstaller(tr),
		engine.WithMetrics(n.metrics),
		engine.WithDispatcherOptions(txn.WithClock(func() int64 { return time.Now().UnixNano() })),
	)
	n.fleet = delivery.NewFleet(n.groups, tr,
		delivery.WithSource(source),
		delivery.WithResyncer(n.engine),
		delivery.WithMetrics(n.metrics),
		delivery.WithLogger(logger),
	)
	return n, nil
}

func restoreGroup(ctx context.Context, b *backlog.Builder, st *store.Store, gc topology.GroupConfig) (*backlog.Group, error) {
	if !gc.Reliability.Journaled() {
		return b.Build(gc)
	}
	state, err := st.LoadGroup(ctx, gc.Name)
	if err != nil {
		return nil, err
	}
	return b.Restore(gc, state)
}

// Groups returns the node's groups in topology order.
func (n *node) Groups() []*backlog.Group { return n.groups }

func (n *node) Close() error { return n.store.Close() }

// endpoints maps every target of cfg to its base URL.
func endpoints(cfg *topology.Config) (map[string]string, error) {
	eps := make(map[string]string)
	for _, g := range cfg.Groups {
		for _, t := range g.Targets {
			if t.Endpoint == "" {
				return nil, fmt.Errorf("group %s: target %s has no endpoint", g.Name, t.Name)
			}
			if prev, ok := eps[t.Name]; ok && prev != t.Endpoint {
				return nil, fmt.Errorf("target %s has conflicting endpoints %s and %s", t.Name, prev, t.Endpoint)
			}
			eps[t.Name] = t.Endpoint
		}
	}
	return eps, nil
}

// adminRouter serves the node's mutation API, group state and metrics.
func (n *node) adminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"node": n.cfg.Node}, nil)
	})
	r.Post(MutationsPath, n.handleMutation)
	r.Get(GroupsPath, func(w http.ResponseWriter, _ *http.Request) {
		stats := make([]backlog.Stats, 0, len(n.groups))
		for _, g := range n.groups {
			stats = append(stats, g.Backlog().Stats())
		}
		writeJSON(w, http.StatusOK, stats, nil)
	})
	r.Get(GroupsPath+"/{group}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "group")
		g, ok := n.engine.Group(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, nil, &CLIError{Code: ErrCodeNotFound, Message: "unknown group " + name})
			return
		}
		writeJSON(w, http.StatusOK, g.Backlog().Stats(), nil)
	})
	r.Method(http.MethodGet, MetricsPath, n.metrics.Handler())

	return r
}

func (n *node) handleMutation(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxMutationBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, nil, &CLIError{Code: ErrCodeRequest, Message: err.Error()})
		return
	}
	var m engine.Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		writeJSON(w, http.StatusBadRequest, nil, &CLIError{Code: ErrCodeRequest, Message: "decode mutation: " + err.Error()})
		return
	}

	res, err := n.engine.Apply(req.Context(), m)
	if err != nil {
		status, apiErr := mutationError(err)
		if status >= http.StatusInternalServerError {
			n.logger.Error("apply mutation", "op", m.Op.String(), "entry", m.Entry, "error", err)
		}
		writeJSON(w, status, nil, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, res, nil)
}

// mutationError maps an engine error to an HTTP status and API error.
func mutationError(err error) (int, *CLIError) {
	apiErr := &CLIError{Code: ErrCodeGeneric, Message: err.Error()}
	var rerr *engine.Error
	if errors.As(err, &rerr) && rerr.Err != nil {
		apiErr.Details = rerr.Err.Error()
	}

	switch {
	case engine.IsInvalidMutation(err):
		apiErr.Code = ErrCodeRequest
		return http.StatusBadRequest, apiErr
	case engine.IsRejected(err):
		apiErr.Code = ErrCodeRejected
		return http.StatusConflict, apiErr
	case txn.IsUnknownTransaction(err):
		apiErr.Code = ErrCodeTxn
		return http.StatusNotFound, apiErr
	case txn.IsTransactionClosed(err):
		apiErr.Code = ErrCodeTxn
		return http.StatusConflict, apiErr
	case engine.IsStopped(err):
		apiErr.Code = ErrCodeStopped
		return http.StatusServiceUnavailable, apiErr
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apiErr.Code = ErrCodeStopped
		return http.StatusServiceUnavailable, apiErr
	}
	return http.StatusInternalServerError, apiErr
}
