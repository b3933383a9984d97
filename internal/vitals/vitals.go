// Package vitals accumulates Core Web Vitals from performance-observer entries
// and reports them once, when the page is first hidden.
package vitals

import (
	"errors"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by a Host that cannot observe an entry type.
var ErrUnsupported = errors.New("performance entry type not supported")

// Entry types observed, one subscription each.
const (
	EntryPaint       = "paint"
	EntryLCP         = "largest-contentful-paint"
	EntryLayoutShift = "layout-shift"
	EntryFirstInput  = "first-input"
	EntryNavigation  = "navigation"
)

var entryTypes = []string{EntryPaint, EntryLCP, EntryLayoutShift, EntryFirstInput, EntryNavigation}

// Entry is the subset of PerformanceEntry fields the accumulator reads. All
// times are milliseconds relative to navigation start.
type Entry struct {
	EntryType       string  `json:"entry_type" yaml:"entry_type"`
	Name            string  `json:"name,omitempty" yaml:"name,omitempty"`
	StartTime       float64 `json:"start_time" yaml:"start_time"`
	ProcessingStart float64 `json:"processing_start,omitempty" yaml:"processing_start,omitempty"`
	RequestStart    float64 `json:"request_start,omitempty" yaml:"request_start,omitempty"`
	ResponseStart   float64 `json:"response_start,omitempty" yaml:"response_start,omitempty"`
	Value           float64 `json:"value,omitempty" yaml:"value,omitempty"`
	HadRecentInput  bool    `json:"had_recent_input,omitempty" yaml:"had_recent_input,omitempty"`
}

// Host is the performance-observation facility of the page.
type Host interface {
	Observe(entryType string, callback func([]Entry)) error
}

// Accumulator holds the metrics seen so far. Nil fields were never observed.
type Accumulator struct {
	LCP  *float64
	CLS  *float64
	INP  *float64
	TTFB *float64
	FCP  *float64
}

func (a *Accumulator) empty() bool {
	return a.LCP == nil && a.CLS == nil && a.INP == nil && a.TTFB == nil && a.FCP == nil
}

func (a *Accumulator) apply(entry Entry) {
	switch entry.EntryType {
	case EntryLCP:
		v := entry.StartTime
		a.LCP = &v
	case EntryLayoutShift:
		if entry.HadRecentInput {
			return
		}
		sum := entry.Value
		if a.CLS != nil {
			sum += *a.CLS
		}
		a.CLS = &sum
	case EntryFirstInput:
		if a.INP != nil || entry.ProcessingStart < entry.StartTime {
			return
		}
		v := entry.ProcessingStart - entry.StartTime
		a.INP = &v
	case EntryNavigation:
		if a.TTFB != nil {
			return
		}
		v := entry.ResponseStart - entry.RequestStart
		a.TTFB = &v
	case EntryPaint:
		if entry.Name != "first-contentful-paint" || a.FCP != nil {
			return
		}
		v := entry.StartTime
		a.FCP = &v
	}
}

// Payload renders observed metrics as web_vitals payload keys.
func (a *Accumulator) Payload() map[string]any {
	payload := map[string]any{}
	ms := func(key string, v *float64) {
		if v != nil {
			payload[key] = int64(math.Round(*v))
		}
	}
	ms("lcp", a.LCP)
	ms("inp", a.INP)
	ms("ttfb", a.TTFB)
	ms("fcp", a.FCP)
	if a.CLS != nil {
		payload["cls"] = math.Round(*a.CLS*10000) / 10000
	}
	return payload
}

// Observer owns the accumulator for one page load.
type Observer struct {
	logger *zap.Logger

	mu       sync.Mutex
	acc      Accumulator
	reported bool
}

func NewObserver(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger}
}

// Start subscribes to every metric family. A family the host cannot observe
// is skipped; the others keep working. It returns how many subscriptions
// were established.
func (o *Observer) Start(host Host) int {
	if host == nil {
		return 0
	}
	active := 0
	for _, entryType := range entryTypes {
		if err := host.Observe(entryType, o.Record); err != nil {
			o.logger.Debug("vitals subscription skipped", zap.String("entry_type", entryType), zap.Error(err))
			continue
		}
		active++
	}
	return active
}

// Record folds observed entries into the accumulator. Entries arriving after
// the report are ignored.
func (o *Observer) Record(entries []Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reported {
		return
	}
	for _, entry := range entries {
		o.acc.apply(entry)
	}
}

// Snapshot returns a copy of the accumulator.
func (o *Observer) Snapshot() Accumulator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acc
}

// Report is called on every hidden transition. Only the first call can return
// a payload; ok is false afterwards, and also when nothing was observed.
func (o *Observer) Report() (payload map[string]any, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reported {
		return nil, false
	}
	o.reported = true
	if o.acc.empty() {
		return nil, false
	}
	return o.acc.Payload(), true
}

// Feed is a Host driven by pushed entries, for hosts that deliver
// performance entries as a stream (recorded sessions, tests).
type Feed struct {
	mu          sync.Mutex
	unsupported map[string]bool
	callbacks   map[string][]func([]Entry)
}

// NewFeed returns a Feed that reports the given entry types as unsupported.
func NewFeed(unsupported ...string) *Feed {
	f := &Feed{unsupported: map[string]bool{}, callbacks: map[string][]func([]Entry){}}
	for _, entryType := range unsupported {
		f.unsupported[entryType] = true
	}
	return f
}

func (f *Feed) Observe(entryType string, callback func([]Entry)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsupported[entryType] {
		return ErrUnsupported
	}
	f.callbacks[entryType] = append(f.callbacks[entryType], callback)
	return nil
}

// Push delivers entries to the subscribers of their entry type.
func (f *Feed) Push(entries ...Entry) {
	byType := map[string][]Entry{}
	var order []string
	for _, entry := range entries {
		if _, seen := byType[entry.EntryType]; !seen {
			order = append(order, entry.EntryType)
		}
		byType[entry.EntryType] = append(byType[entry.EntryType], entry)
	}
	for _, entryType := range order {
		f.mu.Lock()
		callbacks := slices.Clone(f.callbacks[entryType])
		f.mu.Unlock()
		for _, callback := range callbacks {
			callback(byType[entryType])
		}
	}
}
