package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vincentbai/engagetrace/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeTransport struct {
	name string
	err  error

	mu     sync.Mutex
	bodies [][]byte
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(_ context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, body)
	return f.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func (f *fakeTransport) body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func event(eventType models.EventType, ts int64) models.Event {
	return models.NewEvent(eventType, "sid", time.UnixMilli(ts), models.PageContext{URL: "https://example.com"}, nil)
}

func TestNewDispatcherSelectsTransports(t *testing.T) {
	beacon := &fakeTransport{name: "beacon"}
	fetch := &fakeTransport{name: "fetch"}

	d, err := NewDispatcher(Options{Beacon: beacon, Fetch: fetch})
	require.NoError(t, err)
	primary, fallback := d.Transports()
	assert.Equal(t, "beacon", primary)
	assert.Equal(t, "fetch", fallback)

	d, err = NewDispatcher(Options{Fetch: fetch})
	require.NoError(t, err)
	primary, fallback = d.Transports()
	assert.Equal(t, "fetch", primary)
	assert.Empty(t, fallback)

	_, err = NewDispatcher(Options{})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestFlushEmptyQueueMakesNoCall(t *testing.T) {
	beacon := &fakeTransport{name: "beacon"}
	d, err := NewDispatcher(Options{Beacon: beacon})
	require.NoError(t, err)

	assert.Zero(t, d.Flush(context.Background()))
	d.Wait()
	assert.Zero(t, beacon.calls())
}

func TestFlushSendsOrderedBatchAndEmptiesQueue(t *testing.T) {
	beacon := &fakeTransport{name: "beacon"}
	d, err := NewDispatcher(Options{Beacon: beacon})
	require.NoError(t, err)

	d.Enqueue(event(models.TypeClick, 1))
	d.Enqueue(event(models.TypeRageClick, 2))
	d.Enqueue(event(models.TypeHeartbeat, 3))

	assert.Equal(t, 3, d.Flush(context.Background()))
	assert.Zero(t, d.Pending(), "queue is empty before delivery completes")
	d.Wait()

	require.Equal(t, 1, beacon.calls())
	var batch models.Batch
	require.NoError(t, json.Unmarshal(beacon.body(0), &batch))
	require.Len(t, batch.Events, 3)
	assert.Equal(t, models.TypeClick, batch.Events[0].Type)
	assert.Equal(t, models.TypeRageClick, batch.Events[1].Type)
	assert.Equal(t, models.TypeHeartbeat, batch.Events[2].Type)

	assert.Zero(t, d.Flush(context.Background()), "no double delivery")
	d.Wait()
	assert.Equal(t, 1, beacon.calls())
}

func TestBeaconRejectedFallsBackOnce(t *testing.T) {
	beacon := &fakeTransport{name: "beacon", err: ErrBeaconRejected}
	fetch := &fakeTransport{name: "fetch"}
	d, err := NewDispatcher(Options{Beacon: beacon, Fetch: fetch})
	require.NoError(t, err)

	d.Enqueue(event(models.TypeLeave, 1))
	d.Flush(context.Background())
	d.Wait()

	assert.Equal(t, 1, beacon.calls())
	assert.Equal(t, 1, fetch.calls())
}

func TestFailedDeliveryIsDropped(t *testing.T) {
	beacon := &fakeTransport{name: "beacon", err: errors.New("network down")}
	fetch := &fakeTransport{name: "fetch", err: errors.New("network down")}
	d, err := NewDispatcher(Options{Beacon: beacon, Fetch: fetch})
	require.NoError(t, err)

	d.Enqueue(event(models.TypeClick, 1))
	d.Flush(context.Background())
	d.Wait()

	assert.Zero(t, d.Pending(), "failed batch is not requeued")
	assert.Zero(t, d.Flush(context.Background()))
	d.Wait()
	assert.Equal(t, 1, beacon.calls())
	assert.Equal(t, 1, fetch.calls())
}

func TestSendFastPathIsFlatObject(t *testing.T) {
	fetch := &fakeTransport{name: "fetch"}
	d, err := NewDispatcher(Options{Fetch: fetch})
	require.NoError(t, err)

	d.Enqueue(event(models.TypeHeartbeat, 1))
	d.Send(context.Background(), event(models.TypePageview, 2))
	d.Wait()

	require.Equal(t, 1, fetch.calls())
	var flat map[string]any
	require.NoError(t, json.Unmarshal(fetch.body(0), &flat))
	assert.Equal(t, "pageview", flat["type"])
	assert.NotContains(t, flat, "events")
	assert.Equal(t, 1, d.Pending(), "fast path leaves the queue alone")
}

func TestRunFlushesPeriodically(t *testing.T) {
	beacon := &fakeTransport{name: "beacon"}
	d, err := NewDispatcher(Options{Beacon: beacon, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(event(models.TypeHeartbeat, 1))
	require.Eventually(t, func() bool { return beacon.calls() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	d.Wait()
}

func TestEndpointURL(t *testing.T) {
	got, err := EndpointURL("https://collect.example.com/events?v=2", "n0nce")
	require.NoError(t, err)
	assert.Equal(t, "https://collect.example.com/events?token=n0nce&v=2", got)

	got, err = EndpointURL("https://collect.example.com/events", "")
	require.NoError(t, err)
	assert.Equal(t, "https://collect.example.com/events", got)

	_, err = EndpointURL("/events", "x")
	assert.Error(t, err)
}

func TestHTTPTransports(t *testing.T) {
	var mu sync.Mutex
	var received []*http.Request
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, string(body))
		mu.Unlock()
		if strings.Contains(string(body), "fail") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	endpoint, err := EndpointURL(server.URL+"/events", "tok")
	require.NoError(t, err)

	beacon := NewBeacon(server.Client(), endpoint)
	require.NoError(t, beacon.Send(context.Background(), []byte(`{"events":[]}`)))
	require.NoError(t, beacon.Send(context.Background(), []byte(`fail`)), "beacon does not observe the response")

	fetch := NewFetch(server.Client(), endpoint, "tok")
	require.NoError(t, fetch.Send(context.Background(), []byte(`{"type":"pageview"}`)))
	assert.Error(t, fetch.Send(context.Background(), []byte(`fail`)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 4)
	assert.Equal(t, "text/plain;charset=UTF-8", received[0].Header.Get("Content-Type"))
	assert.Equal(t, "tok", received[0].URL.Query().Get("token"))
	assert.Equal(t, "application/json", received[2].Header.Get("Content-Type"))
	assert.Equal(t, "tok", received[2].Header.Get(NonceHeader))
	assert.Equal(t, `{"type":"pageview"}`, bodies[2])
	server.Client().CloseIdleConnections()
}

func TestBeaconSurvivesCancelledContext(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	beacon := NewBeacon(server.Client(), server.URL)
	require.NoError(t, beacon.Send(ctx, []byte(`{}`)))
	<-hits

	fetch := NewFetch(server.Client(), server.URL, "")
	assert.Error(t, fetch.Send(ctx, []byte(`{}`)))
	server.Client().CloseIdleConnections()
}

func TestBeaconRejectsOversizedPayload(t *testing.T) {
	beacon := NewBeacon(nil, "http://127.0.0.1:1/events")
	err := beacon.Send(context.Background(), make([]byte, MaxBeaconBytes+1))
	assert.ErrorIs(t, err, ErrBeaconRejected)
}
