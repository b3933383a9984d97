package classifier

import (
	"sync"
	"time"
)

// Timer is the part of *time.Timer the coalescer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Coalescer collapses a burst of offers into one call of fire per interval,
// always with the most recent value.
type Coalescer[T any] struct {
	interval time.Duration
	after    AfterFunc
	fire     func(T)

	mu      sync.Mutex
	pending T
	armed   bool
	stopped bool
	timer   Timer
}

func NewCoalescer[T any](interval time.Duration, after AfterFunc, fire func(T)) *Coalescer[T] {
	if after == nil {
		after = StdAfterFunc
	}
	return &Coalescer[T]{interval: interval, after: after, fire: fire}
}

func (c *Coalescer[T]) Offer(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending = value
	if c.armed {
		return
	}
	c.armed = true
	c.timer = c.after(c.interval, c.run)
}

func (c *Coalescer[T]) run() {
	c.mu.Lock()
	value := c.pending
	fire := c.armed
	c.armed = false
	c.timer = nil
	c.mu.Unlock()
	if fire {
		c.fire(value)
	}
}

// Stop drops any pending value without firing. Later offers are ignored.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.armed = false
	c.timer = nil
}
