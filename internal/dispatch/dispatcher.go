// Package dispatch buffers telemetry events and delivers them to the
// ingestion endpoint with at-most-once semantics: a failed delivery is logged
// and dropped, never retried or requeued.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/engagetrace/internal/models"
)

// DefaultFlushInterval applies when the host config does not set one.
const DefaultFlushInterval = 10 * time.Second

type Options struct {
	// Beacon is the unload-durable transport; nil when the host lacks one.
	Beacon Transport
	// Fetch is the keep-alive request transport.
	Fetch         Transport
	FlushInterval time.Duration
	Logger        *zap.Logger
}

type Dispatcher struct {
	queue    Queue
	primary  Transport
	fallback Transport
	interval time.Duration
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// NewDispatcher picks the transports once: the durable primitive when the
// host offers one, with fetch as its fallback; fetch alone otherwise.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		interval: opts.FlushInterval,
		logger:   opts.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultFlushInterval
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}

	switch {
	case opts.Beacon != nil:
		d.primary = opts.Beacon
		d.fallback = opts.Fetch
	case opts.Fetch != nil:
		d.primary = opts.Fetch
	default:
		return nil, ErrTransportUnavailable
	}
	return d, nil
}

// Transports names the selected primary and fallback ("" when none).
func (d *Dispatcher) Transports() (primary, fallback string) {
	primary = d.primary.Name()
	if d.fallback != nil {
		fallback = d.fallback.Name()
	}
	return primary, fallback
}

// Enqueue appends an event for the next flush. It never blocks on I/O.
func (d *Dispatcher) Enqueue(event models.Event) {
	d.queue.Enqueue(event)
}

func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Flush drains the queue and hands the snapshot to the transports as one
// {events:[...]} batch. It returns the number of events handed off; an empty
// queue makes no network call.
func (d *Dispatcher) Flush(ctx context.Context) int {
	events := d.queue.Drain()
	if len(events) == 0 {
		return 0
	}
	body, err := json.Marshal(models.Batch{Events: events})
	if err != nil {
		d.logger.Warn("dropping batch: encode failed", zap.Int("events", len(events)), zap.Error(err))
		return 0
	}
	d.transmit(ctx, body, len(events))
	return len(events)
}

// Send delivers one event immediately as a flat JSON object, bypassing the
// queue.
func (d *Dispatcher) Send(ctx context.Context, event models.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("dropping event: encode failed", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	d.transmit(ctx, body, 1)
}

func (d *Dispatcher) transmit(ctx context.Context, body []byte, count int) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "[engagetrace] PANIC in delivery: %v\n%s\n", r, debug.Stack())
			}
		}()
		if err := d.deliver(ctx, body); err != nil {
			d.logger.Warn("dropping batch: delivery failed",
				zap.Int("events", count),
				zap.Int("bytes", len(body)),
				zap.Error(err))
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, body []byte) error {
	err := d.primary.Send(ctx, body)
	if err == nil {
		return nil
	}
	if d.fallback == nil {
		return err
	}
	d.logger.Debug("primary transport failed, trying fallback",
		zap.String("primary", d.primary.Name()),
		zap.Bool("rejected", errors.Is(err, ErrBeaconRejected)),
		zap.Error(err))
	if fallbackErr := d.fallback.Send(ctx, body); fallbackErr != nil {
		return fmt.Errorf("%s: %w; %s: %w", d.primary.Name(), err, d.fallback.Name(), fallbackErr)
	}
	return nil
}

// Run flushes on the fixed interval until ctx is done. The page lifetime is
// the context lifetime.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Flush(ctx)
		}
	}
}

// Wait blocks until every handed-off delivery has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
