// Package testutil holds test doubles shared across packages.
package testutil

import (
	"fmt"
	"sync"
)

// StubClock is a deterministic timestamp source. Every call to Now returns
// the current value and then advances it by Step. Safe for concurrent use.
type StubClock struct {
	mu   sync.Mutex
	now  int64
	Step int64
}

// NewStubClock creates a StubClock starting at start and advancing by one.
func NewStubClock(start int64) *StubClock {
	return &StubClock{now: start, Step: 1}
}

// Now returns the next timestamp.
func (c *StubClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.Step
	return now
}

// Peek returns the timestamp the next call to Now will return.
func (c *StubClock) Peek() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// StubIDGenerator returns sequential IDs: "commit-1", "commit-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("commit-%d", g.counter)
}
