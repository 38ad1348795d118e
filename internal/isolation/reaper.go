package isolation

import (
	"context"
	"time"

	"github.com/hubertpysklo/agent-diff/pkg/logger"
)

// Reaper periodically sweeps expired environments. It implements
// system.Service so the application runtime starts and stops it alongside
// every other long-running component.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper builds a Reaper that sweeps engine every interval.
func NewReaper(engine *Engine, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{engine: engine, interval: interval, log: log, done: make(chan struct{})}
}

// Name identifies this service for the system manager.
func (r *Reaper) Name() string { return "isolation.reaper" }

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				count, err := r.engine.ExpirePass(loopCtx)
				if err != nil {
					r.log.WithField("error", err).Error("isolation reaper sweep failed")
					continue
				}
				if count > 0 {
					r.log.WithField("reaped", count).Info("isolation reaper expired environments")
				}
			}
		}
	}()

	return nil
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
