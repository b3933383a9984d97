// Package agent wires the telemetry components for one page load and exposes
// the host callbacks (scroll, click, focus, visibility, ...) that drive them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/vincentbai/engagetrace/internal/classifier"
	"github.com/vincentbai/engagetrace/internal/config"
	"github.com/vincentbai/engagetrace/internal/dispatch"
	"github.com/vincentbai/engagetrace/internal/forms"
	"github.com/vincentbai/engagetrace/internal/identity"
	"github.com/vincentbai/engagetrace/internal/models"
	"github.com/vincentbai/engagetrace/internal/page"
	"github.com/vincentbai/engagetrace/internal/probes"
	"github.com/vincentbai/engagetrace/internal/vitals"
)

// ErrNoEndpoint means the host did not configure an ingestion endpoint; the
// agent does not initialise.
var ErrNoEndpoint = errors.New("no ingestion endpoint configured")

// MaxConsoleErrors caps console_error events per page load.
const MaxConsoleErrors = 10

type Options struct {
	Config config.Config
	Page   *page.Page

	// Storage is durable client storage; nil when unavailable.
	Storage identity.Storage
	// Vitals is the performance-observation facility; nil when unavailable.
	Vitals vitals.Host

	// Beacon and Fetch override the HTTP transports. When both are nil they
	// are built from HTTPClient; NoBeacon models a host without the durable
	// primitive.
	Beacon     dispatch.Transport
	Fetch      dispatch.Transport
	NoBeacon   bool
	HTTPClient *http.Client

	Summarizer probes.Summarizer
	Signatures []forms.Signature

	Now       func() time.Time
	AfterFunc classifier.AfterFunc
	Logger    *zap.Logger
}

type Agent struct {
	cfg    config.Config
	page   *page.Page
	logger *zap.Logger
	now    func() time.Time

	identity   *identity.Store
	dispatcher *dispatch.Dispatcher
	classifier *classifier.Classifier
	vitals     *vitals.Observer
	vitalsHost vitals.Host
	forms      *forms.Tracker
	notFound   *probes.NotFound
	search     *probes.Search
	summarizer probes.Summarizer

	mu            sync.Mutex
	state         State
	unloaded      bool
	sessionID     string
	startedAt     time.Time
	consoleErrors int

	background sync.WaitGroup
}

// New builds an agent in the Uninitialized state. A missing endpoint is
// reported as ErrNoEndpoint and logged locally.
func New(opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Config.Endpoint == "" {
		logger.Warn("engagetrace disabled: no ingestion endpoint configured")
		return nil, ErrNoEndpoint
	}
	if opts.Page == nil {
		return nil, errors.New("page is required")
	}

	endpoint, err := dispatch.EndpointURL(opts.Config.Endpoint, opts.Config.Nonce)
	if err != nil {
		logger.Warn("engagetrace disabled: invalid ingestion endpoint", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrNoEndpoint, err)
	}

	beacon, fetch := opts.Beacon, opts.Fetch
	if beacon == nil && fetch == nil {
		fetch = dispatch.NewFetch(opts.HTTPClient, endpoint, opts.Config.Nonce)
		if !opts.NoBeacon {
			beacon = dispatch.NewBeacon(opts.HTTPClient, endpoint)
		}
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.Options{
		Beacon:        beacon,
		Fetch:         fetch,
		FlushInterval: opts.Config.FlushInterval(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	summarizer := opts.Summarizer
	if summarizer == nil && opts.Config.SummaryEndpoint != "" {
		summarizer = &probes.HTTPSummarizer{
			Client:   opts.HTTPClient,
			Endpoint: opts.Config.SummaryEndpoint,
			Nonce:    opts.Config.Nonce,
		}
	}

	a := &Agent{
		cfg:        opts.Config,
		page:       opts.Page,
		logger:     logger,
		now:        now,
		identity:   identity.NewStore(opts.Storage, logger),
		dispatcher: dispatcher,
		vitals:     vitals.NewObserver(logger),
		vitalsHost: opts.Vitals,
		notFound:   probes.NewNotFound(),
		search:     probes.NewSearch(),
		summarizer: summarizer,
	}
	a.startedAt = now()
	a.classifier = classifier.New(a.startedAt, opts.AfterFunc, a.onSkimmer)
	a.forms = forms.NewTracker(opts.Signatures, a.enqueueAt)
	return a, nil
}

// Start runs the bot check and, for real visitors, activates observation.
// ctx bounds the page lifetime: the periodic flush and heartbeat stop with it.
func (a *Agent) Start(ctx context.Context) State {
	a.mu.Lock()
	if a.state != StateUninitialized {
		state := a.state
		a.mu.Unlock()
		return state
	}
	a.state = StateBotCheck
	if classifier.IsBot(a.page.UserAgent) {
		a.state = StateSuppressed
		a.mu.Unlock()
		a.logger.Debug("crawler detected, agent suppressed", zap.String("user_agent", a.page.UserAgent))
		return StateSuppressed
	}
	a.sessionID = a.identity.GetOrCreateSessionID()
	a.state = StateActive
	a.mu.Unlock()

	subscriptions := a.vitals.Start(a.vitalsHost)
	primary, fallback := a.dispatcher.Transports()
	a.logger.Debug("agent active",
		zap.String("session_id", a.sessionID),
		zap.String("transport", primary),
		zap.String("fallback", fallback),
		zap.Int("vitals_subscriptions", subscriptions))

	a.guard("pageview", func() {
		a.send(ctx, models.TypePageview, map[string]any{"title": a.page.Title()})
		a.runPageProbes(ctx)
	})

	a.goBackground(func() { a.dispatcher.Run(ctx) })
	a.goBackground(func() { a.heartbeatLoop(ctx) })
	return StateActive
}

func (a *Agent) runPageProbes(ctx context.Context) {
	if payload, ok := a.notFound.Check(a.page); ok {
		a.send(ctx, models.TypeNotFoundTrack, payload)
	}
	payload, query, ok := a.search.Check(a.page)
	if !ok {
		return
	}
	a.send(ctx, models.TypeSearchTrack, payload)
	if a.summarizer != nil {
		a.goBackground(func() {
			probes.InjectSummary(ctx, a.page, a.summarizer, query, a.logger)
		})
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.guard("heartbeat", func() {
				a.enqueue(models.TypeHeartbeat, a.engagement())
			})
		}
	}
}

func (a *Agent) goBackground(fn func()) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		fn()
	}()
}

// State reports the lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID is empty until the agent is active.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Pending reports queued, unflushed events.
func (a *Agent) Pending() int {
	return a.dispatcher.Pending()
}

// Flush transmits the queue now.
func (a *Agent) Flush(ctx context.Context) int {
	if a.State() != StateActive {
		return 0
	}
	return a.dispatcher.Flush(ctx)
}

// Wait blocks until background work started by the agent has finished. Loops
// bound to the Start context end only when that context is done.
func (a *Agent) Wait() {
	a.background.Wait()
	a.dispatcher.Wait()
}

// Behavior returns a snapshot of the behavioural state.
func (a *Agent) Behavior() classifier.BehavioralState {
	return a.classifier.Snapshot()
}

func (a *Agent) newEvent(eventType models.EventType, at time.Time, payload map[string]any) models.Event {
	return models.NewEvent(eventType, a.SessionID(), at, a.page.Context(), payload)
}

func (a *Agent) enqueue(eventType models.EventType, payload map[string]any) {
	a.enqueueAt(eventType, a.now(), payload)
}

func (a *Agent) enqueueAt(eventType models.EventType, at time.Time, payload map[string]any) {
	a.dispatcher.Enqueue(a.newEvent(eventType, at, payload))
}

func (a *Agent) send(ctx context.Context, eventType models.EventType, payload map[string]any) {
	a.dispatcher.Send(ctx, a.newEvent(eventType, a.now(), payload))
}

func (a *Agent) engagement() map[string]any {
	state := a.classifier.Snapshot()
	return map[string]any{
		"sc":              state.MaxScrollPct,
		"is_skimmer":      state.IsSkimmer,
		"time_on_page_ms": a.now().Sub(a.startedAt).Milliseconds(),
	}
}

func (a *Agent) onSkimmer(result classifier.ScrollResult) {
	a.guard("skimmer", func() {
		payload := a.engagement()
		payload["reason"] = "skimmer"
		payload["velocity"] = int64(result.Velocity)
		a.enqueue(models.TypeHeartbeat, payload)
	})
}

// observing is true while active and before the page has been unloaded.
func (a *Agent) observing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateActive && !a.unloaded
}

// guard runs a host callback only while observing and keeps any failure local.
func (a *Agent) guard(signal string, fn func()) {
	if !a.observing() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("signal handler failed", zap.String("signal", signal), zap.Any("panic", r))
		}
	}()
	fn()
}

// guardDOM is guard for callbacks that traverse the document; the page lock
// is held for the whole callback.
func (a *Agent) guardDOM(signal string, fn func()) {
	a.guard(signal, func() { a.page.Read(fn) })
}

// OnScroll receives a raw scroll notification; evaluation is throttled.
func (a *Agent) OnScroll(scrollTop, scrollHeight, clientHeight float64) {
	a.guard("scroll", func() {
		a.classifier.OfferScroll(classifier.ScrollSample{
			ScrollTop:    scrollTop,
			ScrollHeight: scrollHeight,
			ClientHeight: clientHeight,
			At:           a.now(),
		})
	})
}

// OnClick receives every document click with its viewport coordinates.
func (a *Agent) OnClick(ctx context.Context, target *goquery.Selection, x, y float64) {
	a.guardDOM("click", func() {
		now := a.now()
		if a.classifier.Click(now) {
			a.enqueueAt(models.TypeRageClick, now, map[string]any{
				"x":          int64(x),
				"y":          int64(y),
				"element":    describe(target),
				"scroll_pct": a.classifier.Snapshot().MaxScrollPct,
			})
		}
		a.forms.Click(target, now)

		if payload, ok := probes.Download(a.page, target); ok {
			a.send(ctx, models.TypeDownload, payload)
			return
		}
		if eventType, payload, ok := probes.LinkClick(a.page, target); ok {
			a.send(ctx, eventType, payload)
		}
	})
}

func (a *Agent) OnFocusIn(target *goquery.Selection) {
	a.guardDOM("focusin", func() { a.forms.Focus(target, a.now()) })
}

func (a *Agent) OnFocusOut(target *goquery.Selection) {
	a.guardDOM("focusout", func() { a.forms.Blur(target, a.now()) })
}

func (a *Agent) OnChange(target *goquery.Selection) {
	a.guardDOM("change", func() { a.forms.Change(target, a.now()) })
}

// OnConsoleError records an uncaught script error reported by the host.
func (a *Agent) OnConsoleError(message, source string, line int) {
	a.guard("error", func() {
		a.mu.Lock()
		if a.consoleErrors >= MaxConsoleErrors {
			a.mu.Unlock()
			return
		}
		a.consoleErrors++
		a.mu.Unlock()
		a.enqueue(models.TypeConsoleError, map[string]any{
			"message": truncate(message, 500),
			"source":  source,
			"line":    line,
		})
	})
}

// OnVisibilityChange handles page visibility. Going hidden records a leave,
// reports vitals the first time, and flushes the queue. Deliveries started
// here outlive ctx.
func (a *Agent) OnVisibilityChange(ctx context.Context, hidden bool) {
	if !hidden {
		return
	}
	a.guard("visibilitychange", func() {
		detached := context.WithoutCancel(ctx)
		a.enqueue(models.TypeLeave, a.engagement())
		if payload, ok := a.vitals.Report(); ok {
			a.send(detached, models.TypeWebVitals, payload)
		}
		a.dispatcher.Flush(detached)
	})
}

// OnPageHide handles unload: open dwell timers are discarded, the queue is
// flushed one last time, and every later callback is ignored.
func (a *Agent) OnPageHide(ctx context.Context) {
	a.guard("pagehide", func() {
		a.mu.Lock()
		a.unloaded = true
		a.mu.Unlock()
		a.forms.Reset()
		a.classifier.Stop()
		a.dispatcher.Flush(context.WithoutCancel(ctx))
	})
}

func describe(target *goquery.Selection) string {
	if target == nil || target.Length() == 0 {
		return ""
	}
	name := goquery.NodeName(target)
	if id, ok := target.Attr("id"); ok && id != "" {
		return name + "#" + id
	}
	return name
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
