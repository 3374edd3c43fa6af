// Package testutil holds small hand-rolled test doubles shared across
// packages.
package testutil

import (
	"sync"
	"time"

	"github.com/INLOpen/nexuslake/core"
)

// MockClock is a manually advanced core.Clock for deterministic tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ core.Clock = (*MockClock)(nil)

// NewMockClock starts the clock at the given instant.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to the given instant.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
