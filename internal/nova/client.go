// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package nova is the authenticated request layer for the Nova location
// service. Every failure leaving this package is a *Error carrying one of the
// Kind values; nothing is ever turned into an empty success.
package nova

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
)

const (
	// ContentType is sent and expected on every request.
	ContentType = "application/x-protobuf"

	// ClientIDHeader carries the stable client identifier.
	ClientIDHeader = "X-Client-Id"

	defaultClientID = "locus-nova/1"
	userAgent       = "locus/1.0"

	// maxErrorBodySize bounds how much of an error response is read.
	maxErrorBodySize = 64 * 1024
	// maxResponseSize bounds successful payloads.
	maxResponseSize = 8 << 20
)

// TokenSource resolves a bearer token for one account.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// Invalidator is implemented by token sources that can drop cached
// credentials after the service rejected them.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Call identifies who a request is made for. Token, when set, is used as-is;
// otherwise Tokens resolves one.
type Call struct {
	AccountID string
	Token     string
	Tokens    TokenSource
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	Timeout      time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	Breaker      BreakerSettings

	// HTTPClient defaults to a client without its own timeout; the per
	// attempt Timeout is applied through the request context.
	HTTPClient *http.Client
	// Guard is owned by the engine and shared with it; a private one is
	// created if nil.
	Guard *Guard
}

// Client executes Nova requests. Safe for concurrent use by many accounts.
type Client struct {
	baseURL      string
	clientID     string
	timeout      time.Duration
	maxRetries   int
	retryInitial time.Duration
	http         *http.Client
	breakers     *breakerSet
	guard        *Guard
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryInitial: cfg.RetryInitial,
		http:         cfg.HTTPClient,
		breakers:     newBreakerSet(cfg.Breaker),
		guard:        cfg.Guard,
	}
	if c.clientID == "" {
		c.clientID = defaultClientID
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryInitial <= 0 {
		c.retryInitial = 500 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.guard == nil {
		c.guard = NewGuard()
	}
	return c
}

// Timeout returns the fixed per-attempt timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Forget drops per-account state such as the circuit breaker.
func (c *Client) Forget(accountID string) { c.breakers.remove(accountID) }

type noRetryKey struct{}

// WithoutRetry marks ctx so Execute makes a single attempt. Used while an
// account is shutting down.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

type retryStopKey struct{}

// WithRetryStop suppresses retries on ctx once stop is closed. Attempts
// already running finish normally.
func WithRetryStop(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, retryStopKey{}, stop)
}

func retryDisabled(ctx context.Context) bool {
	if v, _ := ctx.Value(noRetryKey{}).(bool); v {
		return true
	}
	stop, _ := ctx.Value(retryStopKey{}).(<-chan struct{})
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Execute sends payload to endpoint on behalf of call.AccountID and returns
// the raw response body.
func (c *Client) Execute(ctx context.Context, call Call, endpoint string, payload []byte) ([]byte, error) {
	start := time.Now()
	ctx = logging.ContextWithAccount(ctx, call.AccountID)

	body, err := c.execute(ctx, call, endpoint, payload)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	metrics.RecordNovaRequest(endpoint, outcome, time.Since(start))
	return body, err
}

func (c *Client) execute(ctx context.Context, call Call, endpoint string, payload []byte) ([]byte, error) {
	token := call.Token
	resolved := false
	if token == "" {
		if call.Tokens == nil {
			return nil, &Error{Kind: KindAuthFailed, Op: endpoint, Message: "no bearer token available"}
		}
		t, err := call.Tokens.BearerToken(ctx)
		if err != nil {
			return nil, c.fail(ctx, endpoint, err)
		}
		token, resolved = t, true
	}

	body, err := c.breakers.execute(call.AccountID, func() ([]byte, error) {
		return c.withRetry(ctx, endpoint, payload, token)
	})
	if err == nil {
		return body, nil
	}

	classified := c.fail(ctx, endpoint, err)
	if classified.Kind == KindAuthFailed && resolved {
		if inv, ok := call.Tokens.(Invalidator); ok {
			if ierr := inv.Invalidate(ctx); ierr != nil {
				logging.Ctx(ctx).Debug().Err(ierr).Msg("failed to invalidate rejected credentials")
			}
		}
	}
	return nil, classified
}

// fail classifies err and applies the unscoped-cache guard.
func (c *Client) fail(ctx context.Context, endpoint string, err error) *Error {
	if errors.Is(err, cache.ErrUnscopedCache) {
		metrics.UnscopedCacheGuard.Inc()
		if c.guard.NoteOccurrence() {
			logging.Ctx(ctx).Error().Err(err).Str("endpoint", endpoint).
				Msg("request path reached a cache handle without account scope")
		} else {
			logging.Ctx(ctx).Debug().Err(err).Str("endpoint", endpoint).Msg("unscoped cache use repeated")
		}
		return &Error{Kind: KindUnknown, Op: endpoint, Message: logging.TruncateMessage(err.Error()), Err: err}
	}
	return Classify(endpoint, err)
}

func (c *Client) withRetry(ctx context.Context, endpoint string, payload []byte, token string) ([]byte, error) {
	if retryDisabled(ctx) || c.maxRetries == 0 {
		return c.attempt(ctx, endpoint, payload, token)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 10 * c.retryInitial

	op := func() ([]byte, error) {
		body, err := c.attempt(ctx, endpoint, payload, token)
		if err == nil {
			return body, nil
		}
		if !transient(err) || retryDisabled(ctx) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		metrics.NovaRetries.WithLabelValues(endpoint).Inc()
		logging.Ctx(ctx).Debug().Err(err).Str("endpoint", endpoint).Dur("wait", wait).Msg("retrying Nova request")
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// transient reports whether the request layer retries err internally.
// Rate limits are left to the caller's cooldown.
func transient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		return e.Status >= 500
	default:
		return false
	}
}

func (c *Client) attempt(ctx context.Context, endpoint string, payload []byte, token string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: endpoint, Message: logging.TruncateMessage(err.Error()), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set(ClientIDHeader, c.clientID)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, Classify(endpoint, fmt.Errorf("read response: %w", err))
		}
		return body, nil
	}
	return nil, classifyResponse(endpoint, resp)
}

// rateLimitMarkers are body fragments the service uses for quota refusals
// regardless of status code.
var rateLimitMarkers = []string{"RESOURCE_EXHAUSTED", "rateLimitExceeded", "quotaExceeded"}

func classifyResponse(endpoint string, resp *http.Response) *Error {
	body := readBodyForError(resp.Body)
	detail := logging.TruncateMessage(strings.TrimSpace(string(body)))

	if resp.StatusCode == http.StatusTooManyRequests || containsAny(body, rateLimitMarkers) {
		return &Error{
			Kind:       KindRateLimited,
			Op:         endpoint,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    detail,
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &Error{Kind: KindAuthFailed, Op: endpoint, Status: resp.StatusCode, Message: detail}
	}
	return &Error{Kind: KindHTTP, Op: endpoint, Status: resp.StatusCode, Message: detail}
}

func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return nil
	}
	return body
}

func containsAny(body []byte, markers []string) bool {
	for _, m := range markers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ListDevices fetches the raw device list.
func (c *Client) ListDevices(ctx context.Context, call Call) ([]byte, error) {
	return c.Execute(ctx, call, EndpointListDevices, EncodeListDevicesRequest(""))
}

// Locate fetches the raw location report for one device.
func (c *Client) Locate(ctx context.Context, call Call, deviceID string) ([]byte, error) {
	return c.Execute(ctx, call, EndpointLocate, EncodeActionRequest(deviceID, ActionLocate, "", ""))
}

// PlaySound asks the device to ring. pushToken identifies the push channel
// the service acknowledges on.
func (c *Client) PlaySound(ctx context.Context, call Call, deviceID, pushToken string) error {
	_, err := c.Execute(ctx, call, EndpointExecuteAction, EncodeActionRequest(deviceID, ActionPlaySound, "", pushToken))
	return err
}

// StopSound asks the device to stop ringing.
func (c *Client) StopSound(ctx context.Context, call Call, deviceID, pushToken string) error {
	_, err := c.Execute(ctx, call, EndpointExecuteAction, EncodeActionRequest(deviceID, ActionStopSound, "", pushToken))
	return err
}
