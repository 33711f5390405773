package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCancelled is returned by PollUntilTrue when the poll is cancelled
// or its timeout elapses before the predicate becomes true.
var ErrCancelled = errors.New("poll cancelled")

// RunFunc is the function a Poller invokes repeatedly.
type RunFunc func(ctx context.Context) error

// Poller invokes a function repeatedly with a guaranteed minimum delay
// between the end of one invocation and the start of the next. If an
// invocation takes longer than the interval, the next one fires
// immediately; invocations never overlap.
type Poller struct {
	run      RunFunc
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	err     error

	done chan struct{}
}

// New creates a Poller. It does not start polling; call Start.
func New(run RunFunc, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		run:      run,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the polling loop. The first invocation happens on the
// loop goroutine rather than inline, so Start is safe to call from
// inside a prior run. Start on a started poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop prevents any further invocation, including one already queued.
// Idempotent. It does not interrupt an invocation in progress; that
// invocation's context is cancelled instead.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Done is closed once the loop has exited, whether by Stop, context
// cancellation, or a run error.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Err returns the run error that stopped the loop, if any. Valid after
// Done is closed.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// loop is the scheduling tick. Each iteration times the run and sleeps
// for whatever remains of the interval, clamped at zero.
func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		if err := p.run(ctx); err != nil {
			// A failing run is a bug in the supplied function, not a
			// transient condition. Surface it and stop.
			if ctx.Err() == nil {
				p.logger.Error("poll run failed, stopping poller", "error", err)
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}

		wait := p.interval - time.Since(start)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Predicate reports whether a PollUntilTrue poll should stop.
type Predicate func(ctx context.Context) (bool, error)

// PollUntilTrue polls predicate at the given minimum interval until it
// returns true. It returns nil on success, the predicate's error if it
// fails, and ErrCancelled if the timeout elapses or ctx is cancelled
// first. No further predicate calls are made after return. A timeout
// of zero means no timeout.
func PollUntilTrue(ctx context.Context, predicate Predicate, interval, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)

	p := New(func(ctx context.Context) error {
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			select {
			case result <- nil:
			default:
			}
			cancel()
		}
		return nil
	}, interval, nil)

	var timedOut <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timedOut = timer.C
	}

	p.Start(ctx)
	defer p.Stop()

	select {
	case err := <-result:
		return err
	case <-timedOut:
		return ErrCancelled
	case <-p.Done():
		if err := p.Err(); err != nil {
			return err
		}
		// The loop exited without a run error: either the predicate
		// succeeded just before cancellation, or ctx was cancelled.
		select {
		case err := <-result:
			return err
		default:
		}
		return ErrCancelled
	}
}
