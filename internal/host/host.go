// Package host runs the single command-processing loop that every
// delivery operation executes on, and provides the one-shot scheduling
// hook deliveries use to resume themselves.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/schaermu/diffsyncd/internal/clock"
	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("host loop stopped")

// ErrorHandler receives errors returned by scheduled callbacks.
type ErrorHandler func(session string, key snapshot.Key, err error)

// Loop serializes work onto one goroutine. Scheduled callbacks and
// direct calls through Do interleave in FIFO order; nothing runs in
// parallel.
type Loop struct {
	clock   clock.Clock
	logger  *slog.Logger
	onError ErrorHandler

	tasks   chan func()
	done    chan struct{}
	pending atomic.Int64
}

// New creates a loop. Call Run to start processing.
func New(c clock.Clock, logger *slog.Logger) *Loop {
	l := &Loop{
		clock:  c,
		logger: logger,
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	l.onError = func(session string, key snapshot.Key, err error) {
		l.logger.Error("scheduled tick failed", "session", session, "key", key, "error", err)
	}
	return l
}

// OnError replaces the handler for errors of scheduled callbacks. Call it
// before Run.
func (l *Loop) OnError(h ErrorHandler) {
	l.onError = h
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-l.tasks:
			task()
		}
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.post(func() { result <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleOnce runs resume(key) on the loop after delay. There is no way
// to cancel it; callbacks for jobs that no longer exist are expected to
// do nothing.
func (l *Loop) ScheduleOnce(delay time.Duration, session string, key snapshot.Key, resume func(snapshot.Key) error) {
	l.pending.Add(1)
	l.clock.AfterFunc(delay, func() {
		posted := l.post(func() {
			l.pending.Add(-1)
			if err := resume(key); err != nil {
				l.onError(session, key, err)
			}
		})
		if !posted {
			l.pending.Add(-1)
		}
	})
}

// Pending returns the number of scheduled callbacks that have not run.
func (l *Loop) Pending() int {
	return int(l.pending.Load())
}

func (l *Loop) post(task func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return false
	}
}
