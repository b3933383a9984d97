package classifier

import (
	"sync"
	"time"
)

// ScrollThrottle bounds how often scroll geometry is evaluated.
const ScrollThrottle = 100 * time.Millisecond

// Classifier owns the BehavioralState for one page load.
type Classifier struct {
	mu        sync.Mutex
	state     BehavioralState
	coalescer *Coalescer[ScrollSample]
	onSkimmer func(ScrollResult)
}

// New builds a classifier. onSkimmer, when set, runs once the first time the
// reader is classified as a skimmer.
func New(pageStart time.Time, after AfterFunc, onSkimmer func(ScrollResult)) *Classifier {
	c := &Classifier{
		state:     NewBehavioralState(pageStart),
		onSkimmer: onSkimmer,
	}
	c.coalescer = NewCoalescer(ScrollThrottle, after, func(sample ScrollSample) {
		c.Scroll(sample)
	})
	return c
}

// OfferScroll queues a raw scroll notification for throttled evaluation.
func (c *Classifier) OfferScroll(sample ScrollSample) {
	c.coalescer.Offer(sample)
}

// Scroll evaluates a sample immediately.
func (c *Classifier) Scroll(sample ScrollSample) ScrollResult {
	c.mu.Lock()
	var result ScrollResult
	c.state, result = c.state.ApplyScroll(sample)
	c.mu.Unlock()

	if result.BecameSkimmer && c.onSkimmer != nil {
		c.onSkimmer(result)
	}
	return result
}

// Click records a click and reports whether it completed a rage burst.
func (c *Classifier) Click(at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rage bool
	c.state, rage = c.state.ApplyClick(at)
	return rage
}

// Snapshot returns a copy of the current state.
func (c *Classifier) Snapshot() BehavioralState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.state
	snapshot.RecentClickTimestamp = append([]time.Time(nil), c.state.RecentClickTimestamp...)
	return snapshot
}

// Stop cancels any pending throttled evaluation.
func (c *Classifier) Stop() {
	c.coalescer.Stop()
}
