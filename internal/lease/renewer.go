// Package lease keeps leases on in-flight work alive while it runs.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultDuration    = 10 * time.Minute
	DefaultMinInterval = time.Minute
)

// ExtendFunc extends a lease by its original duration and returns the new
// expiry.
type ExtendFunc func(ctx context.Context) (time.Time, error)

// Hooks observe renewal outcomes. Either field may be nil.
type Hooks struct {
	Renewed func(until time.Time)
	Failed  func(err error)
}

// Interval returns the renewal period for a lease: half its duration, never
// less than min.
func Interval(duration, min time.Duration) time.Duration {
	d := duration / 2
	if d < min {
		return min
	}
	return d
}

// nextDelay shortens the period after consecutive failures: normal/2,
// normal/3, ... down to min.
func nextDelay(normal, min time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return normal
	}
	d := normal / time.Duration(failures+1)
	if d < min {
		return min
	}
	return d
}

// Renewer periodically calls an ExtendFunc until stopped. It runs on its own
// context so cancelling the caller's poll does not stop it; Stop must be
// called and waits for the renewal goroutine to exit.
type Renewer struct {
	interval time.Duration
	min      time.Duration
	extend   ExtendFunc
	hooks    Hooks
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	loops    atomic.Int32
	renewals atomic.Int64
}

// NewRenewer builds a renewer for a lease of the given duration.
func NewRenewer(duration, minInterval time.Duration, extend ExtendFunc, hooks Hooks, logger *slog.Logger) *Renewer {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renewer{
		interval: Interval(duration, minInterval),
		min:      minInterval,
		extend:   extend,
		hooks:    hooks,
		logger:   logger,
	}
}

// Start launches the renewal loop. Calling Start on a running renewer is a
// no-op.
func (r *Renewer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.loops.Add(1)
	go r.loop(ctx, r.done)
}

// Stop cancels the renewal loop and waits for it to exit. Safe to call more
// than once or before Start.
func (r *Renewer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil
}

// Running reports whether a renewal loop is active.
func (r *Renewer) Running() bool {
	return r.loops.Load() > 0
}

// Renewals returns the number of successful extensions.
func (r *Renewer) Renewals() int64 {
	return r.renewals.Load()
}

func (r *Renewer) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		r.loops.Add(-1)
		close(done)
	}()

	failures := 0
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		until, err := r.extend(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			r.logger.Warn("lease renewal failed", "error", err, "consecutive_failures", failures)
			if r.hooks.Failed != nil {
				r.hooks.Failed(err)
			}
		} else {
			failures = 0
			r.renewals.Add(1)
			r.logger.Debug("lease renewed", "until", until)
			if r.hooks.Renewed != nil {
				r.hooks.Renewed(until)
			}
		}
		timer.Reset(nextDelay(r.interval, r.min, failures))
	}
}
