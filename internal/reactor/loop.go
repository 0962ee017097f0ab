// Package reactor runs closures one at a time on a single goroutine.
//
// Every piece of pool and session state in fleetd is owned by one Loop.
// Goroutines doing blocking work (DNS, dialing, channel I/O) never touch that
// state directly; they hand their results back with Post, and the loop applies
// them in order. A closure posted while the loop is executing a batch runs in
// the next batch ("next tick"), which breaks recursion and lets many
// connections and sessions interleave.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Do when the loop exits before running the closure.
var ErrStopped = errors.New("reactor: loop stopped")

// Loop is a single-goroutine scheduler with an unbounded FIFO task queue.
type Loop struct {
	log zerolog.Logger

	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}

	done chan struct{}
}

// New creates a Loop. Nothing runs until Run is called.
func New(log zerolog.Logger) *Loop {
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine on a later tick. It never
// blocks and is safe to call from any goroutine, including the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted closures until ctx is cancelled. Each iteration takes
// the whole queue as one tick; closures posted during the tick wait for the
// next one.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
				continue
			}
		}

		for _, fn := range batch {
			l.exec(fn)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered panic in reactor task")
		}
	}()
	fn()
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Timer delivers a closure onto the loop after a delay, once or periodically.
// Its methods must be called on the loop goroutine.
type Timer struct {
	loop    *Loop
	t       *time.Timer
	fn      func()
	period  time.Duration
	stopped bool
}

// After runs fn on the loop once, after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.t = time.AfterFunc(d, t.fire)
	return t
}

// Every runs fn on the loop every d until the timer is stopped. The period is
// measured from the end of the previous run.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: d}
	t.t = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	t.loop.Post(t.run)
}

func (t *Timer) run() {
	if t.stopped {
		return
	}
	if t.period == 0 {
		t.stopped = true
	}
	t.fn()
	if t.period > 0 && !t.stopped {
		t.t.Reset(t.period)
	}
}

// Stop cancels the timer. A fire already queued on the loop is discarded.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.t.Stop()
}

// Stopped reports whether the timer has been stopped or, for a one-shot
// timer, has already fired.
func (t *Timer) Stopped() bool {
	return t == nil || t.stopped
}
