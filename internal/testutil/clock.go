package testutil

import (
	"sync"
	"time"
)

// Epoch is the first reading of a DeterministicClock.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a store.Clock whose readings start at Epoch and
// advance by one second per call, so ledger timestamps are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	ticks int64
}

// NewDeterministicClock creates a clock whose first Now() is Epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Now returns Epoch plus one second per earlier call.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Epoch.Add(time.Duration(c.ticks) * time.Second)
	c.ticks++
	return t
}

// Ticks returns how many readings have been taken.
func (c *DeterministicClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock. After Reset(), the next call to Now() returns
// Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
