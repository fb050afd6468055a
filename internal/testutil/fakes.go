// Package testutil holds fakes shared by package tests: a recording
// transport, a recording sink and a manually driven one-shot timer.
package testutil

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/diffsyncd/internal/snapshot"
)

// ErrSendFailed is returned by Transport once its failure budget is hit.
var ErrSendFailed = errors.New("send failed")

// Transport records every line per session.
type Transport struct {
	mu    sync.Mutex
	Lines map[string][]string
	// FailAfter makes Send fail once this many lines were accepted.
	// Zero or negative never fails.
	FailAfter int
	sent      int
}

// NewTransport returns an empty recording transport.
func NewTransport() *Transport {
	return &Transport{Lines: make(map[string][]string)}
}

func (t *Transport) Send(session, line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailAfter > 0 && t.sent >= t.FailAfter {
		return ErrSendFailed
	}
	t.sent++
	t.Lines[session] = append(t.Lines[session], line)
	return nil
}

// Sent returns a copy of the lines sent to session.
func (t *Transport) Sent(session string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Lines[session]...)
}

// Sink records user-visible messages.
type Sink struct {
	mu     sync.Mutex
	Infos  []string
	Errors []string
}

func (s *Sink) Info(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Infos = append(s.Infos, msg)
}

func (s *Sink) Error(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, msg)
}

// Scheduled is one pending callback of a Timer.
type Scheduled struct {
	Delay   time.Duration
	Session string
	Key     snapshot.Key
	Resume  func(snapshot.Key) error
}

// Timer queues scheduled callbacks until the test runs them.
type Timer struct {
	Pending []Scheduled
}

func (t *Timer) ScheduleOnce(delay time.Duration, session string, key snapshot.Key, resume func(snapshot.Key) error) {
	t.Pending = append(t.Pending, Scheduled{Delay: delay, Session: session, Key: key, Resume: resume})
}

// RunNext runs the oldest pending callback. It reports false when none
// is pending.
func (t *Timer) RunNext() (bool, error) {
	if len(t.Pending) == 0 {
		return false, nil
	}
	next := t.Pending[0]
	t.Pending = t.Pending[1:]
	return true, next.Resume(next.Key)
}

// Drain runs callbacks until none is pending and returns how many ran.
func (t *Timer) Drain() (int, error) {
	n := 0
	for {
		ran, err := t.RunNext()
		if !ran {
			return n, nil
		}
		n++
		if err != nil {
			return n, err
		}
	}
}

// Logger returns a logger that discards everything below error level.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
