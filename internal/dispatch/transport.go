package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// NonceHeader carries the auth token on transports that can set headers.
const NonceHeader = "X-Engagetrace-Nonce"

// MaxBeaconBytes mirrors the payload quota browsers apply to sendBeacon.
const MaxBeaconBytes = 64 * 1024

var (
	// ErrBeaconRejected means the durable primitive refused the payload; the
	// caller may try its fallback once.
	ErrBeaconRejected = errors.New("beacon rejected payload")
	// ErrTransportUnavailable is returned when no transport is configured.
	ErrTransportUnavailable = errors.New("no transport available")
)

// Transport delivers one encoded body to the ingestion endpoint.
type Transport interface {
	Name() string
	Send(ctx context.Context, body []byte) error
}

// EndpointURL appends the auth token as the "token" query parameter.
func EndpointURL(endpoint, token string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: scheme and host required", endpoint)
	}
	if token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// Beacon is the unload-durable transport: the request is detached from the
// page's context so teardown does not abort it, and no response is read
// beyond draining the body.
type Beacon struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	maxBytes int
}

func NewBeacon(client *http.Client, endpoint string) *Beacon {
	if client == nil {
		client = http.DefaultClient
	}
	return &Beacon{client: client, endpoint: endpoint, timeout: 10 * time.Second, maxBytes: MaxBeaconBytes}
}

func (b *Beacon) Name() string { return "beacon" }

func (b *Beacon) Send(ctx context.Context, body []byte) error {
	if len(body) > b.maxBytes {
		return ErrBeaconRejected
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(detached, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build beacon request: %w", err)
	}
	request.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("beacon failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	response.Body.Close()
	return nil
}

// Fetch is the standard asynchronous request with keep-alive; it is bound to
// the caller's context, capped at a timeout, and reports non-2xx responses.
type Fetch struct {
	client   *http.Client
	endpoint string
	nonce    string
	timeout  time.Duration
}

func NewFetch(client *http.Client, endpoint, nonce string) *Fetch {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetch{client: client, endpoint: endpoint, nonce: nonce, timeout: 10 * time.Second}
}

func (f *Fetch) Name() string { return "fetch" }

func (f *Fetch) Send(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Connection", "keep-alive")
	if f.nonce != "" {
		request.Header.Set(NonceHeader, f.nonce)
	}

	response, err := f.client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("ingestion endpoint returned %d", response.StatusCode)
	}
	return nil
}
