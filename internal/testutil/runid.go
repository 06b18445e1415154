package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable run ids for the store:
// "<prefix>-0001", "<prefix>-0002", ...
//
// The same test with a fresh SequentialIDs produces byte-identical ledgers.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. If prefix is empty, ids start with
// "test-run".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "test-run"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
