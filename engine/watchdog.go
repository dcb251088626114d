package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/stateflow/state"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSweepInterval is the pause between two watchdog sweeps.
	DefaultSweepInterval = 30 * time.Second
	// DefaultSweepBatch caps the states reclaimed by one sweep.
	DefaultSweepBatch = 100
)

// Watchdog reclaims dispatched states whose lease expired. Any number of
// watchdogs, in one process or many, may run against the same store.
type Watchdog struct {
	engine   *Engine
	interval time.Duration
	batch    int
	workers  int
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithSweepInterval sets the pause between sweeps.
func WithSweepInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSweepBatch sets how many states one sweep may reclaim.
func WithSweepBatch(n int) WatchdogOption {
	return func(w *Watchdog) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithWorkers sets how many sweepers run concurrently.
func WithWorkers(n int) WatchdogOption {
	return func(w *Watchdog) {
		if n > 0 {
			w.workers = n
		}
	}
}

// NewWatchdog creates a watchdog for the engine.
func (e *Engine) NewWatchdog(opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		engine:   e,
		interval: DefaultSweepInterval,
		batch:    DefaultSweepBatch,
		workers:  1,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Sweep settles up to one batch of expired states: each is moved through
// TIMEDOUT to a retry or to CANCELLED in one store transition. A state that
// was reported or settled elsewhere in the meantime is skipped. It returns the
// settled states.
func (w *Watchdog) Sweep(ctx context.Context) ([]*ReportResult, error) {
	e := w.engine
	now := e.clock()
	expired, err := e.store.ListExpired(ctx, now, w.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired states: %w", err)
	}

	var errs []error
	results := make([]*ReportResult, 0, len(expired))
	for _, s := range expired {
		res, err := e.settleFailure(ctx, s, state.TimedOut, fmt.Sprintf("lease expired at %s", s.LeaseExpiresAt.Format(time.RFC3339)))
		if err != nil {
			var terr *TransitionError
			if errors.As(err, &terr) {
				e.logger.Debug("watchdog skipped state %s: now %s", s.ID, terr.Current)
				continue
			}
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		e.logger.Info("watchdog timed out %d states", len(results))
	}
	return results, errors.Join(errs...)
}

// Run sweeps on every interval with the configured number of workers until ctx
// is cancelled. Sweep errors are logged and do not stop the loop.
func (w *Watchdog) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				w.drain(ctx)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// drain sweeps until a sweep comes back short of a full batch.
func (w *Watchdog) drain(ctx context.Context) {
	for ctx.Err() == nil {
		results, err := w.Sweep(ctx)
		if err != nil {
			w.engine.logger.Error("watchdog sweep failed: %v", err)
			return
		}
		if len(results) < w.batch {
			return
		}
	}
}
