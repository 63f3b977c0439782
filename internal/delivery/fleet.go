package delivery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/gridrepl/internal/backlog"
	"github.com/roach88/gridrepl/internal/transport"
)

// Fleet supervises a set of workers.
type Fleet struct {
	workers []*Worker
}

// NewFleet creates a worker for every target of every group.
func NewFleet(groups []*backlog.Group, tr transport.Transport, opts ...Option) *Fleet {
	f := &Fleet{}
	for _, g := range groups {
		for _, name := range g.Backlog().Targets() {
			f.workers = append(f.workers, NewWorker(g, name, tr, opts...))
		}
	}
	return f
}

// Workers returns the fleet's workers in group then target order.
func (f *Fleet) Workers() []*Worker { return f.workers }

// Run runs every worker until ctx ends. The first worker error cancels
// the others and is returned.
func (f *Fleet) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range f.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// Drain delivers everything currently in the backlogs, one worker at a
// time.
func (f *Fleet) Drain(ctx context.Context) error {
	for _, w := range f.workers {
		if err := w.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
