package backlog

import (
	"fmt"
	"log/slog"

	"github.com/roach88/gridrepl/internal/topology"
)

// Builder constructs groups from topology. Given the same configuration it
// always produces equivalent groups.
type Builder struct {
	// Journal is attached to sync and reliable-async groups. May be nil.
	Journal Journal
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Build creates an empty group for cfg with every configured target
// registered.
func (b *Builder) Build(cfg topology.GroupConfig) (*Group, error) {
	cfg = cfg.WithDefaults()

	var router Router
	switch cfg.Ordering {
	case topology.OrderingGlobal:
		router = globalRouter{}
	case topology.OrderingMultiBucket:
		router = newBucketRouter(cfg.Lanes())
	default:
		return nil, &Error{
			Code:    CodeUnsupportedOrdering,
			Message: fmt.Sprintf("ordering strategy %q is not supported", cfg.Ordering),
			Group:   cfg.Name,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("build group: %w", err)
	}

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []Option{WithLogger(logger)}
	if cfg.Reliability.Journaled() && b.Journal != nil {
		opts = append(opts, WithJournal(b.Journal))
	}
	if cfg.RetentionLimit > 0 {
		opts = append(opts, WithRetention(cfg.RetentionLimit, cfg.Reliability == topology.ReliabilitySync))
	}

	bl := New(cfg.Name, router, opts...)
	for _, t := range cfg.Targets {
		bl.AddTarget(t.Name)
	}

	return &Group{
		cfg:     cfg,
		backlog: bl,
		tracker: NewTracker(cfg.Name, router.Lanes()),
		logger:  logger.With("group", cfg.Name),
	}, nil
}

// Restore builds a group and loads its journaled state.
func (b *Builder) Restore(cfg topology.GroupConfig, state State) (*Group, error) {
	g, err := b.Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := g.backlog.Restore(state); err != nil {
		return nil, err
	}
	g.logger.Info("group restored",
		"floor", uint64(g.backlog.Floor()),
		"high", uint64(g.backlog.High()),
		"len", g.backlog.Len())
	return g, nil
}
