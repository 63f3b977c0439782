package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/metrics"
	"github.com/roach88/gridrepl/internal/packet"
	"github.com/roach88/gridrepl/internal/topology"
	"github.com/roach88/gridrepl/internal/transport"
)

// Resyncer brings a target up to date with a full state transfer and
// returns the group key the transfer covers.
type Resyncer interface {
	Resync(ctx context.Context, group, target string) (packet.Key, error)
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(ctx context.Context, group, target string) (packet.Key, error)

func (f ResyncFunc) Resync(ctx context.Context, group, target string) (packet.Key, error) {
	return f(ctx, group, target)
}

// Default retry settings.
const (
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultBackoffCoeff  = 2
	DefaultMaxInterval   = 5 * time.Second
)

// Worker delivers one group's backlog to one target.
type Worker struct {
	group     *backlog.Group
	target    string
	transport transport.Transport
	resyncer  Resyncer
	source    packet.NodeID
	metrics   *metrics.Metrics
	logger    *slog.Logger

	batchSize   int
	linger      time.Duration
	limiter     *rate.Limiter
	interval    time.Duration
	backoff     int
	maxInterval time.Duration
	autoTrim    bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithResyncer sets the full state transfer path. Without one a target
// that needs a resync stalls and the worker keeps retrying.
func WithResyncer(r Resyncer) Option {
	return func(w *Worker) { w.resyncer = r }
}

// WithSource sets the node id stamped on envelopes.
func WithSource(id packet.NodeID) Option {
	return func(w *Worker) { w.source = id }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithRetry overrides the backoff schedule.
func WithRetry(interval time.Duration, coeff int, maxInterval time.Duration) Option {
	return func(w *Worker) {
		w.interval = interval
		w.backoff = coeff
		w.maxInterval = maxInterval
	}
}

// WithAutoTrim trims the backlog to its low-water mark after every
// completed batch.
func WithAutoTrim(on bool) Option {
	return func(w *Worker) { w.autoTrim = on }
}

// NewWorker creates a worker for target. Batch size, linger and pacing
// come from the group's configuration. Synchronous groups never linger.
func NewWorker(g *backlog.Group, target string, tr transport.Transport, opts ...Option) *Worker {
	cfg := g.Config()
	w := &Worker{
		group:       g,
		target:      target,
		transport:   tr,
		logger:      slog.Default(),
		batchSize:   cfg.MaxBatchSize,
		linger:      cfg.MaxBatchDelay,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		interval:    DefaultRetryInterval,
		backoff:     DefaultBackoffCoeff,
		maxInterval: DefaultMaxInterval,
		autoTrim:    true,
	}
	if cfg.Reliability == topology.ReliabilitySync {
		w.linger = 0
	}
	if cfg.MaxBatchesPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("group", g.Name(), "target", target)
	return w
}

// Group returns the group the worker delivers.
func (w *Worker) Group() *backlog.Group { return w.group }

// Target returns the target name.
func (w *Worker) Target() string { return w.target }

// Run delivers until ctx ends or a non-retryable error occurs. Open
// batches are abandoned on the way out.
func (w *Worker) Run(ctx context.Context) error {
	defer w.group.Tracker().AbandonTarget(w.target, context.Canceled)

	w.logger.Info("delivery started")
	for {
		notify := w.group.Backlog().Notify()
		err := NewRetryer(w.Step, w.interval, w.backoff, w.maxInterval).Run(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("delivery stopped")
			return nil
		case err == nil:
		case backlog.IsEmptyBatch(err):
			if err := w.idle(ctx, notify); err != nil {
				return nil
			}
		default:
			w.logger.Error("delivery failed", "error", err)
			return err
		}
	}
}

// idle waits for the next append, then lingers so a batch can fill up.
func (w *Worker) idle(ctx context.Context, notify <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-notify:
	}
	return sleep(ctx, w.linger)
}

// Drain delivers until the target has everything currently in the
// backlog. Retryable failures are returned, not retried.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		err := w.Step(ctx)
		if backlog.IsEmptyBatch(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Step performs one delivery round: a resync when the target needs one,
// otherwise one batch. Returns EmptyBatch when there is nothing to send.
func (w *Worker) Step(ctx context.Context) error {
	if w.group.Backlog().NeedsResync(w.target) {
		return w.resync(ctx)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	b, err := w.group.NextBatch(w.target, w.batchSize, nil)
	switch {
	case backlog.IsStaleRange(err):
		return w.resync(ctx)
	case backlog.IsLaneBusy(err):
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	case err != nil:
		return err
	}
	return w.send(ctx, b)
}

func (w *Worker) send(ctx context.Context, b *backlog.Batch) error {
	env, err := transport.NewEnvelope(b, w.group.Backlog().Lanes(), w.source)
	if err != nil {
		b.Abandon(err)
		return err
	}

	start := time.Now()
	ack, err := w.transport.Send(ctx, w.target, env)
	var conflictErr *transport.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		w.metrics.ConflictEscalated(b.Group(), w.target, conflictErr.Report.Cause)
		w.consume(b, ack)
		w.abandon(b, err)
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	case err != nil:
		w.abandon(b, err)
		return fmt.Errorf("%w: send batch %s: %v", ErrRetryable, b.ID(), err)
	}

	w.consume(b, ack)
	select {
	case <-b.Done():
	default:
		w.abandon(b, fmt.Errorf("ack for batch %s stopped short", b.ID()))
		return fmt.Errorf("%w: partial ack for batch %s", ErrRetryable, b.ID())
	}

	w.metrics.BatchCompleted(b.Group(), w.target, b.Len(), time.Since(start))
	w.logger.Debug("batch delivered", "batch", b.ID(), "last_key", uint64(b.LastKey()), "packets", b.Len())

	if w.autoTrim {
		bl := w.group.Backlog()
		if _, err := bl.Trim(ctx, bl.High().Next()); err != nil {
			return err
		}
	}
	return nil
}

// consume feeds the ack into the batch. The backlog only learns of the
// progress when the batch completes; a batch abandoned short of that keeps
// its whole range for the next attempt, and the target drops the prefix it
// already applied as duplicates.
func (w *Worker) consume(b *backlog.Batch, ack transport.Ack) {
	for _, m := range ack.Lanes {
		b.ConsumedLane(m.Lane, m.Key)
	}
}

func (w *Worker) abandon(b *backlog.Batch, cause error) {
	if b.Abandon(cause) {
		w.metrics.BatchAbandoned(b.Group(), w.target)
		w.logger.Warn("batch abandoned", "batch", b.ID(), "error", cause)
	}
}

func (w *Worker) resync(ctx context.Context) error {
	if w.resyncer == nil {
		return fmt.Errorf("%w: target %s needs a resync and no resyncer is configured", ErrRetryable, w.target)
	}

	// Batches in flight describe the range being replaced.
	w.group.Tracker().AbandonTarget(w.target, errors.New("target resynchronising"))

	key, err := w.resyncer.Resync(ctx, w.group.Name(), w.target)
	if err != nil {
		return fmt.Errorf("%w: resync: %v", ErrRetryable, err)
	}
	if err := w.group.Backlog().MarkResynced(ctx, w.target, key); err != nil {
		if backlog.IsStaleRange(err) {
			// Eviction overtook the transfer; go again.
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return err
	}
	w.metrics.Resynced(w.group.Name(), w.target)
	w.logger.Info("target resynchronised", "key", uint64(key))
	return nil
}
