// Package clock provides an injectable time source for the host's
// one-shot timers. Production code uses Real(); tests use Fake() and move
// time forward explicitly with Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the host depends on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. The returned stop function
	// reports whether it prevented the call.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// FakeClock is a deterministic Clock. Time stands still until Advance is
// called; due callbacks run synchronously inside Advance in deadline
// order, ties in registration order.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     int
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	seq      int
	f        func()
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock passes now+d. A callback
// with d <= 0 runs on the next Advance.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	w := &waiter{deadline: c.current.Add(d), seq: c.seq, f: f}
	c.waiters = append(c.waiters, w)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, p := range c.waiters {
			if p == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Pending returns the number of registered callbacks that have not run.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward by d and runs every callback that
// became due. Callbacks registered while advancing run in the same call
// if they are due before the new time. Do not call Advance from a
// callback.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.waiters, func(i, j int) bool {
			a, b := c.waiters[i], c.waiters[j]
			if !a.deadline.Equal(b.deadline) {
				return a.deadline.Before(b.deadline)
			}
			return a.seq < b.seq
		})
		if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
			c.current = target
			c.mu.Unlock()
			return
		}
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		if w.deadline.After(c.current) {
			c.current = w.deadline
		}
		c.mu.Unlock()

		w.f()
	}
}
