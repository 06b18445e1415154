package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, int64(1), clock.Ticks())
}

func TestDeterministicClock_AdvancesOneSecond(t *testing.T) {
	clock := NewDeterministicClock()

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()
	assert.Equal(t, time.Second, second.Sub(first))
	assert.Equal(t, Epoch.Add(2*time.Second), third)
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const numGoroutines = 50
	const callsPerGoroutine = 20

	var wg sync.WaitGroup
	seen := make(chan time.Time, numGoroutines*callsPerGoroutine)
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range callsPerGoroutine {
				seen <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[time.Time]bool)
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, numGoroutines*callsPerGoroutine, "every reading should be distinct")
	assert.Equal(t, int64(numGoroutines*callsPerGoroutine), clock.Ticks())
}
