// Package coretest provides in-memory fakes of the core ports for tests.
package coretest

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually advanced clock. Sleep advances the clock by the
// requested duration and returns immediately.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func(now time.Time, n int)
}

// NewFakeClock returns a clock reading start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// OnSleep registers fn to run after every Sleep with the new time and the
// number of sleeps so far.
func (c *FakeClock) OnSleep(fn func(now time.Time, n int)) {
	c.mu.Lock()
	c.onSleep = fn
	c.mu.Unlock()
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleeps returns the number of Sleep calls.
func (c *FakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	now, n, fn := c.now, c.sleeps, c.onSleep
	c.mu.Unlock()

	if fn != nil {
		fn(now, n)
	}
	return nil
}
