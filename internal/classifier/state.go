// Package classifier derives engagement signals (scroll depth, skimming,
// rage clicks) from raw scroll and click notifications.
package classifier

import (
	"math"
	"time"
)

const (
	// SkimmerVelocity is the scroll speed in px/s above which a reader is
	// classified as a skimmer for the rest of the page load.
	SkimmerVelocity = 4000.0

	RageWindow    = 2 * time.Second
	RageThreshold = 4
)

// ScrollSample is one observation of the document's scroll geometry.
type ScrollSample struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
	At           time.Time
}

// DepthPct is the rounded share of the scrollable height above the viewport.
func (s ScrollSample) DepthPct() int {
	scrollable := s.ScrollHeight - s.ClientHeight
	if scrollable <= 0 {
		return 100
	}
	pct := int(math.Round(s.ScrollTop / scrollable * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// BehavioralState is the per-page-load engagement state. Values are treated
// as immutable: transitions return a new state.
type BehavioralState struct {
	MaxScrollPct         int
	LastScrollPosition   float64
	LastScrollTime       time.Time
	IsSkimmer            bool
	RecentClickTimestamp []time.Time
}

func NewBehavioralState(pageStart time.Time) BehavioralState {
	return BehavioralState{LastScrollTime: pageStart}
}

// ScrollResult describes what a scroll transition observed.
type ScrollResult struct {
	DepthPct      int
	Velocity      float64 // px/s, zero when no time elapsed
	BecameSkimmer bool
}

// ApplyScroll folds a scroll sample into the state.
func (s BehavioralState) ApplyScroll(sample ScrollSample) (BehavioralState, ScrollResult) {
	next := s
	result := ScrollResult{DepthPct: sample.DepthPct()}

	if result.DepthPct > next.MaxScrollPct {
		next.MaxScrollPct = result.DepthPct
	}

	elapsed := sample.At.Sub(s.LastScrollTime)
	if elapsed > 0 {
		result.Velocity = math.Abs(sample.ScrollTop-s.LastScrollPosition) / elapsed.Seconds()
	}
	if result.Velocity > SkimmerVelocity && !next.IsSkimmer {
		next.IsSkimmer = true
		result.BecameSkimmer = true
	}

	next.LastScrollPosition = sample.ScrollTop
	next.LastScrollTime = sample.At
	return next, result
}

// ApplyClick records a click and reports whether it completed a rage burst.
// A completed burst clears the window so the same burst is reported once.
func (s BehavioralState) ApplyClick(at time.Time) (BehavioralState, bool) {
	next := s
	window := make([]time.Time, 0, RageThreshold)
	for _, ts := range s.RecentClickTimestamp {
		if at.Sub(ts) < RageWindow {
			window = append(window, ts)
		}
	}
	window = append(window, at)
	if len(window) > RageThreshold {
		window = window[len(window)-RageThreshold:]
	}

	if len(window) >= RageThreshold {
		next.RecentClickTimestamp = nil
		return next, true
	}
	next.RecentClickTimestamp = window
	return next, false
}
