// Package netidle decides when a page's network traffic has settled.
//
// A Run counts in-flight requests from a Source and completes once the count
// has stayed at or below a threshold for a quiet window, or when a hard
// deadline elapses, whichever happens first. Completion happens exactly once.
package netidle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Options configures one detection run.
type Options struct {
	// IdleThreshold is the largest number of in-flight requests still
	// considered idle.
	IdleThreshold int
	// QuietWindow is how long the in-flight count must stay at or below
	// IdleThreshold before the page is settled. Zero settles on the next tick.
	QuietWindow time.Duration
	// HardDeadline bounds the whole run.
	HardDeadline time.Duration

	Logger *slog.Logger
}

// Validate reports whether the options describe a run that can complete.
func (o Options) Validate() error {
	if o.IdleThreshold < 0 {
		return fmt.Errorf("idle threshold must be >= 0, got %d", o.IdleThreshold)
	}
	if o.QuietWindow < 0 {
		return fmt.Errorf("quiet window must be >= 0, got %s", o.QuietWindow)
	}
	if o.HardDeadline <= 0 {
		return fmt.Errorf("hard deadline must be > 0, got %s", o.HardDeadline)
	}
	return nil
}

// Outcome describes why a run completed.
type Outcome int

const (
	// OutcomeIdle means the quiet window elapsed.
	OutcomeIdle Outcome = iota
	// OutcomeDeadline means the hard deadline forced completion.
	OutcomeDeadline
	// OutcomeCanceled means the caller tore the run down.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeDeadline:
		return "deadline"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Stats summarises the events a run consumed.
type Stats struct {
	Started  int
	Finished int
	Failed   int
	// Ignored counts finish/fail events that arrived with nothing in flight.
	Ignored  int
	InFlight int
	Elapsed  time.Duration
}

// Run is a single network-idle detection. It owns its timers and its
// subscriptions; both are released before Done is closed.
type Run struct {
	opts   Options
	logger *slog.Logger

	subs   *subscriptions
	events chan Kind
	quit   chan struct{}
	done   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	outcome Outcome
	stats   Stats
}

// Detect starts a run against src and returns without blocking. The error is
// non-nil only when opts is invalid. Cancelling ctx tears the run down with
// OutcomeCanceled.
func Detect(ctx context.Context, src Source, opts Options) (*Run, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("nil event source")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &Run{
		opts:   opts,
		logger: logger,
		events: make(chan Kind),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	r.subs = acquire(src, r.events, r.quit)

	start := time.Now()
	quiet := time.NewTimer(opts.QuietWindow)
	deadline := time.NewTimer(opts.HardDeadline)
	go r.loop(ctx, start, quiet, deadline)
	return r, nil
}

// Wait runs a detection and blocks until it completes. A canceled ctx yields
// OutcomeCanceled together with ctx's error.
func Wait(ctx context.Context, src Source, opts Options) (Outcome, error) {
	r, err := Detect(ctx, src, opts)
	if err != nil {
		return OutcomeCanceled, err
	}
	<-r.Done()
	if out := r.Outcome(); out == OutcomeCanceled {
		return out, ctx.Err()
	}
	return r.Outcome(), nil
}

// Done is closed once the run has completed and released its resources.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome reports why the run completed. Only meaningful after Done.
func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Stats reports event counters. Only final after Done.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Stop cancels the run. It is safe to call at any time, any number of times.
func (r *Run) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Run) loop(ctx context.Context, start time.Time, quiet, deadline *time.Timer) {
	var (
		stats    Stats
		inflight int
		outcome  Outcome
		quietC   = quiet.C
	)

	arm := func() {
		quiet.Reset(r.opts.QuietWindow)
		quietC = quiet.C
	}
	disarm := func() {
		quiet.Stop()
		quietC = nil
	}

loop:
	for {
		select {
		case kind := <-r.events:
			switch kind {
			case RequestStarted:
				stats.Started++
				inflight++
				if inflight > r.opts.IdleThreshold {
					disarm()
				}
			case RequestFinished, RequestFailed:
				if kind == RequestFinished {
					stats.Finished++
				} else {
					stats.Failed++
				}
				if inflight == 0 {
					stats.Ignored++
					continue
				}
				inflight--
				if inflight == r.opts.IdleThreshold {
					arm()
				}
			}
		case <-quietC:
			outcome = OutcomeIdle
			break loop
		case <-deadline.C:
			outcome = OutcomeDeadline
			break loop
		case <-r.stop:
			outcome = OutcomeCanceled
			break loop
		case <-ctx.Done():
			outcome = OutcomeCanceled
			break loop
		}
	}

	quiet.Stop()
	deadline.Stop()
	close(r.quit)
	r.subs.Release()

	stats.InFlight = inflight
	stats.Elapsed = time.Since(start)

	r.mu.Lock()
	r.outcome = outcome
	r.stats = stats
	r.mu.Unlock()

	r.logger.Debug("network idle detection finished",
		"outcome", outcome.String(),
		"inflight", inflight,
		"started", stats.Started,
		"ignored", stats.Ignored,
		"elapsed", stats.Elapsed)

	close(r.done)
}
