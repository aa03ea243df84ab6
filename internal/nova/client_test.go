// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package nova

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/logging"
)

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:      url,
		Timeout:      500 * time.Millisecond,
		MaxRetries:   retries,
		RetryInitial: time.Millisecond,
	})
}

func checkKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("KindOf(%v) = %s, want %s", err, got, want)
	}
}

func TestExecuteSendsHeadersAndPayload(t *testing.T) {
	var gotAuth, gotType, gotClient, gotPath string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotClient = r.Header.Get(ClientIDHeader)
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte{0x08, 0x01})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/", 0)
	body, err := c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, []byte("payload"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(body, []byte{0x08, 0x01}) {
		t.Errorf("body = %x", body)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != ContentType {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotClient != defaultClientID {
		t.Errorf("client id = %q", gotClient)
	}
	if gotPath != "/"+EndpointLocate {
		t.Errorf("path = %q", gotPath)
	}
	if string(gotBody) != "payload" {
		t.Errorf("payload = %q", gotBody)
	}
}

func TestExecuteClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		wantKind   Kind
		wantStatus int
		wantAfter  time.Duration
	}{
		{name: "unauthorized", status: 401, wantKind: KindAuthFailed, wantStatus: 401},
		{name: "forbidden", status: 403, wantKind: KindAuthFailed, wantStatus: 403},
		{name: "too many requests", status: 429, header: map[string]string{"Retry-After": "120"}, wantKind: KindRateLimited, wantStatus: 429, wantAfter: 2 * time.Minute},
		{name: "quota body on 403", status: 403, body: `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, wantKind: KindRateLimited, wantStatus: 403},
		{name: "not found", status: 404, wantKind: KindHTTP, wantStatus: 404},
		{name: "server error", status: 500, wantKind: KindHTTP, wantStatus: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 0)
			body, err := c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
			if body != nil {
				t.Errorf("failure must not return a body, got %q", body)
			}
			checkKind(t, err, tt.wantKind)

			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if e.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", e.Status, tt.wantStatus)
			}
			if e.RetryAfter != tt.wantAfter {
				t.Errorf("RetryAfter = %v, want %v", e.RetryAfter, tt.wantAfter)
			}
		})
	}
}

func TestExecuteNetworkErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		c := newTestClient(t, url, 0)
		_, err := c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
		checkKind(t, err, KindNetwork)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		c := NewClient(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
		_, err := c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
		checkKind(t, err, KindNetwork)
	})
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)
	body, err := c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(body) != "ok" || calls.Load() != 3 {
		t.Errorf("body=%q calls=%d", body, calls.Load())
	}
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	for _, status := range []int{401, 404, 429} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 3)
			_, _ = c.Execute(context.Background(), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
			if calls.Load() != 1 {
				t.Errorf("status %d retried: %d calls", status, calls.Load())
			}
		})
	}
}

func TestWithoutRetrySuppressesRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	_, err := c.Execute(WithoutRetry(context.Background()), Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
	checkKind(t, err, KindHTTP)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryStopClosedMidRequest(t *testing.T) {
	stop := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			close(stop)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	ctx := WithRetryStop(context.Background(), stop)
	_, err := c.Execute(ctx, Call{AccountID: "a", Token: "tok"}, EndpointLocate, nil)
	checkKind(t, err, KindHTTP)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated int
}

func (f *fakeTokens) BearerToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeTokens) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func TestExecuteResolvesTokenAndInvalidatesOnRejection(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "resolved"}
	c := newTestClient(t, server.URL, 0)
	_, err := c.Execute(context.Background(), Call{AccountID: "a", Tokens: tokens}, EndpointListDevices, nil)
	checkKind(t, err, KindAuthFailed)
	if gotAuth != "Bearer resolved" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if tokens.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", tokens.invalidated)
	}
}

func TestExecuteWithoutAnyToken(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 0)
	_, err := c.Execute(context.Background(), Call{AccountID: "a"}, EndpointLocate, nil)
	checkKind(t, err, KindAuthFailed)
}

func TestUnscopedCacheGuardLogsOnceAtError(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&buf))
	defer logging.SetLogger(prev)

	guard := NewGuard()
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Guard: guard})
	tokens := &fakeTokens{err: fmt.Errorf("read bearer: %w", cache.ErrUnscopedCache)}

	for i := 0; i < 3; i++ {
		_, err := c.Execute(context.Background(), Call{AccountID: "a", Tokens: tokens}, EndpointLocate, nil)
		checkKind(t, err, KindUnknown)
		var e *Error
		if errors.As(err, &e) && !e.Retryable() {
			t.Error("unscoped cache failure must be retryable")
		}
	}

	if guard.Count() != 3 {
		t.Errorf("guard count = %d, want 3", guard.Count())
	}
	if n := strings.Count(buf.String(), `"level":"error"`); n != 1 {
		t.Errorf("error-level lines = %d, want 1; log: %s", n, buf.String())
	}
}

func TestBreakerOpensOnServerFailuresOnly(t *testing.T) {
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusUnauthorized)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	c := NewClient(Config{
		BaseURL: server.URL,
		Timeout: time.Second,
		Breaker: BreakerSettings{MaxFailures: 2, Timeout: time.Minute},
	})
	call := Call{AccountID: "a", Token: "tok"}

	// Auth failures never trip the breaker.
	for i := 0; i < 4; i++ {
		_, err := c.Execute(context.Background(), call, EndpointLocate, nil)
		checkKind(t, err, KindAuthFailed)
	}

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 2; i++ {
		_, err := c.Execute(context.Background(), call, EndpointLocate, nil)
		checkKind(t, err, KindHTTP)
	}

	before := calls.Load()
	_, err := c.Execute(context.Background(), call, EndpointLocate, nil)
	checkKind(t, err, KindNetwork)
	if calls.Load() != before {
		t.Error("open breaker must not reach the server")
	}

	// Another account is unaffected.
	status.Store(http.StatusOK)
	if _, err := c.Execute(context.Background(), Call{AccountID: "b", Token: "tok"}, EndpointLocate, nil); err != nil {
		t.Errorf("account b blocked by account a's breaker: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	checkKind(t, Classify("op", context.DeadlineExceeded), KindNetwork)
	checkKind(t, Classify("op", errors.New(strings.Repeat("x", 500))), KindUnknown)

	e := Classify("op", errors.New(strings.Repeat("x", 500)))
	if len(e.Message) > logging.MaxMessageLength+3 {
		t.Errorf("message not truncated: %d bytes", len(e.Message))
	}

	orig := &Error{Kind: KindRateLimited, Op: "x"}
	if Classify("op", fmt.Errorf("wrap: %w", orig)) != orig {
		t.Error("classified errors must pass through")
	}
}
