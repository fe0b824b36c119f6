// Package poller watches the persisted queues and nudges the dispatcher
// when work appears. It never claims or executes anything itself; its
// wake posts are pure hints and losing one only delays pickup by an
// interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/perspec/coordinator/metrics"
)

// QueueChecker reports whether either queue holds pending work. Both
// calls are cheap existence probes.
type QueueChecker interface {
	HasPendingTest(ctx context.Context) (bool, error)
	HasPendingRefresh(ctx context.Context) (bool, error)
}

// Waker receives wake hints. Wake must never block.
type Waker interface {
	Wake()
}

// Poller periodically checks the queues and wakes the dispatcher when
// something is pending.
type Poller struct {
	interval time.Duration
	checker  QueueChecker
	waker    Waker
	log      zerolog.Logger

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a poller. interval must be positive.
func New(interval time.Duration, checker QueueChecker, waker Waker, logger zerolog.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if checker == nil || waker == nil {
		return nil, errors.New("checker and waker are required")
	}
	return &Poller{
		interval: interval,
		checker:  checker,
		waker:    waker,
		log:      logger.With().Str("component", "poller").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins polling. The first tick runs immediately so work queued
// while the service was down is picked up without waiting an interval.
func (p *Poller) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller already started")
	}
	p.done = make(chan struct{})
	p.log.Info().Dur("interval", p.interval).Msg("starting poller")

	p.tick(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !p.running.Load() {
					return
				}
				p.tick(ctx)
			case <-p.done:
				p.log.Debug().Msg("done signal received, stopping poller")
				return
			case <-ctx.Done():
				p.log.Debug().Msg("context canceled, stopping poller")
				p.running.Store(false)
				return
			}
		}
	}()
	return nil
}

// tick checks both queues. Errors are logged and counted, never fatal;
// the next tick retries from scratch.
func (p *Poller) tick(ctx context.Context) {
	metrics.RecordPollTick()

	testPending, err := p.checker.HasPendingTest(ctx)
	if err != nil {
		metrics.RecordPollError(err)
		p.log.Warn().Err(err).Msg("failed to check pending tests")
	}
	refreshPending, err := p.checker.HasPendingRefresh(ctx)
	if err != nil {
		metrics.RecordPollError(err)
		p.log.Warn().Err(err).Msg("failed to check pending refreshes")
	}

	if testPending || refreshPending {
		p.log.Debug().Bool("tests", testPending).Bool("refreshes", refreshPending).Msg("pending work found")
		p.waker.Wake()
	}
}

// Stop signals the polling goroutine to exit. Safe to call twice.
func (p *Poller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
}

// Stopped returns true once Stop has been called.
func (p *Poller) Stopped() bool {
	return !p.running.Load()
}

// WaitForShutdown blocks until the polling goroutine has terminated or
// the context expires.
func (p *Poller) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.log.Warn().Err(ctx.Err()).Msg("timed out waiting for poller to terminate")
		return ctx.Err()
	}
}
