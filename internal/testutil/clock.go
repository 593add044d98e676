package testutil

import "sync"

// StepClock is a deterministic wall clock in microseconds for tests.
//
// Each call to Now advances the clock by a fixed step, so events appended
// in a test carry reproducible times.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	now  uint64
	step uint64
}

// NewStepClock creates a clock whose first reading is start.
func NewStepClock(start, step uint64) *StepClock {
	return &StepClock{now: start, step: step}
}

// Now returns the current reading and advances the clock.
func (c *StepClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.now
	c.now += c.step
	return v
}

// Peek returns the next reading without advancing.
func (c *StepClock) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
