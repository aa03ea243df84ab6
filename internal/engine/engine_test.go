// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/locus/internal/auth"
	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/devicelist"
	"github.com/tomtom215/locus/internal/location"
	"github.com/tomtom215/locus/internal/metrics"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/validation"
)

// fakeProvider mints "svc:<master>" then "bearer:<master>". A master of
// "bad" is rejected.
type fakeProvider struct{}

func (fakeProvider) MintServiceCredential(_ context.Context, _, master string) (auth.Credential, error) {
	if master == "bad" {
		return auth.Credential{}, fmt.Errorf("mint: %w", auth.ErrBadCredential)
	}
	return auth.Credential{Value: "svc:" + master, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (fakeProvider) MintBearerToken(_ context.Context, svc string) (auth.Credential, error) {
	return auth.Credential{Value: "bearer:" + strings.TrimPrefix(svc, "svc:"), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type request struct {
	token, endpoint, device string
}

// fakeNova serves each bearer token its own devices.
type fakeNova struct {
	mu       sync.Mutex
	devices  map[string][]models.DeviceRecord
	reports  map[string][]models.LocationRecord
	statuses map[string]int
	requests []request
}

func newFakeNova(t *testing.T) (*fakeNova, *nova.Client) {
	t.Helper()
	f := &fakeNova{
		devices:  map[string][]models.DeviceRecord{},
		reports:  map[string][]models.LocationRecord{},
		statuses: map[string]int{},
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	client := nova.NewClient(nova.Config{BaseURL: server.URL, Timeout: time.Second, RetryInitial: time.Millisecond})
	return f, client
}

func (f *fakeNova) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	body, _ := io.ReadAll(r.Body)

	var device string
	if endpoint != nova.EndpointListDevices {
		_ = nova.WalkFields(body, func(fd nova.Field) error {
			if fd.Num == 1 {
				device = string(fd.Bytes)
			}
			return nil
		})
	}

	f.mu.Lock()
	f.requests = append(f.requests, request{token: token, endpoint: endpoint, device: device})
	status := f.statuses[endpoint]
	devices := f.devices[token]
	report := f.reports[device]
	f.mu.Unlock()

	if status != 0 {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "120")
		}
		w.WriteHeader(status)
		return
	}
	switch endpoint {
	case nova.EndpointListDevices:
		_, _ = w.Write(devicelist.EncodeDevices(devices))
	case nova.EndpointLocate:
		_, _ = w.Write(location.EncodeReport(report))
	}
}

func (f *fakeNova) set(fn func(f *fakeNova)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeNova) seen() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

type fakeReceiver struct {
	tokens map[string]string
}

func (r *fakeReceiver) GetToken(accountID string) (string, error) {
	if tok, ok := r.tokens[accountID]; ok {
		return tok, nil
	}
	return "", errors.New("no token")
}

type fakeSupervisor struct {
	mu      sync.Mutex
	added   []string
	removed int
}

func (s *fakeSupervisor) AddAccountService(svc suture.Service) suture.ServiceToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, fmt.Sprint(svc))
	return suture.ServiceToken{}
}

func (s *fakeSupervisor) RemoveAccountService(suture.ServiceToken) error {
	s.mu.Lock()
	s.removed++
	s.mu.Unlock()
	return nil
}

func newEngine(t *testing.T, client *nova.Client, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Client:   client,
		Provider: fakeProvider{},
		Backend:  cache.NewMemoryBackend(0),
		Receiver: &fakeReceiver{tokens: map[string]string{}},
		Poll:     PollSettings{Interval: time.Minute},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func register(t *testing.T, e *Engine, id, master string) {
	t.Helper()
	spec := AccountSpec{ID: id, Email: id + "@example.com", MasterCredential: master}
	if err := e.RegisterAccount(context.Background(), spec); err != nil {
		t.Fatalf("RegisterAccount(%s): %v", id, err)
	}
}

func fix(lat float64, ts int64) models.LocationRecord {
	return models.LocationRecord{Latitude: lat, Longitude: 4.9, Timestamp: models.Int64(ts), Accuracy: models.Float64(10)}
}

func TestRegisterValidatesAndRejectsDuplicates(t *testing.T) {
	_, client := newFakeNova(t)
	sup := &fakeSupervisor{}
	e := newEngine(t, client, func(c *Config) { c.Supervisor = sup })

	err := e.RegisterAccount(context.Background(), AccountSpec{ID: "Bad ID", Email: "x", MasterCredential: ""})
	var verr *validation.RequestValidationError
	if !errors.As(err, &verr) || len(verr.Errors()) != 3 {
		t.Fatalf("err = %v, want 3 validation errors", err)
	}

	register(t, e, "home", "m1")
	if err := e.RegisterAccount(context.Background(), AccountSpec{ID: "home", Email: "h@example.com", MasterCredential: "m"}); !errors.Is(err, ErrAccountExists) {
		t.Errorf("duplicate err = %v", err)
	}
	if got := e.Accounts(); len(got) != 1 || got[0] != "home" {
		t.Errorf("Accounts = %v", got)
	}
	if len(sup.added) != 1 || sup.added[0] != "poller:home" {
		t.Errorf("supervised services = %v", sup.added)
	}
	if got := testutil.ToFloat64(metrics.RegisteredAccounts); got != 1 {
		t.Errorf("registered accounts gauge = %v", got)
	}
}

func TestUnregisterReleasesAccount(t *testing.T) {
	_, client := newFakeNova(t)
	sup := &fakeSupervisor{}
	backend := cache.NewMemoryBackend(0)
	e := newEngine(t, client, func(c *Config) {
		c.Supervisor = sup
		c.Backend = backend
	})
	register(t, e, "home", "m1")
	if _, err := e.ListDevices(context.Background(), "home"); err != nil {
		t.Fatalf("ListDevices: %v", err)
	}

	if err := e.UnregisterAccount(context.Background(), "home"); err != nil {
		t.Fatalf("UnregisterAccount: %v", err)
	}
	if sup.removed != 1 {
		t.Errorf("removed %d services, want 1", sup.removed)
	}
	if _, err := e.Status("home"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Status err = %v", err)
	}
	if err := e.UnregisterAccount(context.Background(), "home"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("second unregister err = %v", err)
	}

	for _, key := range []string{"auth/bearer", "auth/service"} {
		if _, ok, err := cache.Scoped(backend, "home").Get(context.Background(), key); err != nil || ok {
			t.Errorf("%s still cached after unregister (ok=%v err=%v)", key, ok, err)
		}
	}

	register(t, e, "home", "m1")
	if _, err := e.ListDevices(context.Background(), "home"); err != nil {
		t.Errorf("ListDevices after re-register: %v", err)
	}
}

func TestReregisterWithNewLoginDoesNotReuseCredentials(t *testing.T) {
	_, client := newFakeNova(t)
	backend := cache.NewMemoryBackend(0)
	e := newEngine(t, client, func(c *Config) { c.Backend = backend })
	ctx := context.Background()

	register(t, e, "fam", "m-old")
	if _, err := e.ListDevices(ctx, "fam"); err != nil {
		t.Fatal(err)
	}
	if err := e.UnregisterAccount(ctx, "fam"); err != nil {
		t.Fatal(err)
	}

	spec := AccountSpec{ID: "fam", Email: "new@example.com", MasterCredential: "bad"}
	if err := e.RegisterAccount(ctx, spec); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ListDevices(ctx, "fam"); !nova.IsAuthFailed(err) {
		t.Errorf("list with rejected new master: err=%v, want auth failure", err)
	}
}

func TestEngineSharesClientGuard(t *testing.T) {
	_, client := newFakeNova(t)
	guard := nova.NewGuard()
	e := newEngine(t, client, func(c *Config) { c.Guard = guard })
	if got := e.UnscopedCacheFailures(); got != 0 {
		t.Fatalf("failures = %d", got)
	}
	guard.NoteOccurrence()
	if got := e.UnscopedCacheFailures(); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestCloseKeepsCachedCredentials(t *testing.T) {
	_, client := newFakeNova(t)
	backend := cache.NewMemoryBackend(0)
	e := newEngine(t, client, func(c *Config) { c.Backend = backend })
	register(t, e, "home", "m1")
	if _, err := e.ListDevices(context.Background(), "home"); err != nil {
		t.Fatal(err)
	}

	e.Close(context.Background())
	var bearer auth.Credential
	if ok, err := cache.GetJSON(context.Background(), cache.Scoped(backend, "home"), "auth/bearer", &bearer); err != nil || !ok {
		t.Fatalf("bearer after close: ok=%v err=%v", ok, err)
	}
	if bearer.Value != "bearer:m1" {
		t.Errorf("bearer = %q", bearer.Value)
	}
}

func TestAccountIsolationOnSharedBackend(t *testing.T) {
	f, client := newFakeNova(t)
	f.set(func(f *fakeNova) {
		f.devices["bearer:ma"] = []models.DeviceRecord{{CanonicalID: "a-keys"}}
		f.devices["bearer:mb"] = []models.DeviceRecord{{CanonicalID: "b-bag"}}
		f.reports["a-keys"] = []models.LocationRecord{fix(1, 100)}
		f.reports["b-bag"] = []models.LocationRecord{fix(2, 200)}
	})
	backend := cache.NewMemoryBackend(0)
	e := newEngine(t, client, func(c *Config) { c.Backend = backend })
	register(t, e, "a", "ma")
	register(t, e, "b", "mb")
	ctx := context.Background()

	devA, err := e.ListDevices(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	devB, err := e.ListDevices(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(devA) != 1 || devA[0].CanonicalID != "a-keys" || len(devB) != 1 || devB[0].CanonicalID != "b-bag" {
		t.Fatalf("devices a=%+v b=%+v", devA, devB)
	}
	if rec, ok, err := e.Location(ctx, "a", "a-keys"); err != nil || !ok || rec.Latitude != 1 {
		t.Errorf("Location a = %+v %v %v", rec, ok, err)
	}
	if rec, ok, err := e.Location(ctx, "b", "b-bag"); err != nil || !ok || rec.Latitude != 2 {
		t.Errorf("Location b = %+v %v %v", rec, ok, err)
	}

	for _, r := range f.seen() {
		switch r.device {
		case "a-keys":
			if r.token != "bearer:ma" {
				t.Errorf("account a device requested with %q", r.token)
			}
		case "b-bag":
			if r.token != "bearer:mb" {
				t.Errorf("account b device requested with %q", r.token)
			}
		}
	}

	var bearerA, bearerB auth.Credential
	if ok, err := cache.GetJSON(ctx, cache.Scoped(backend, "a"), "auth/bearer", &bearerA); err != nil || !ok {
		t.Fatalf("account a bearer: ok=%v err=%v", ok, err)
	}
	if ok, err := cache.GetJSON(ctx, cache.Scoped(backend, "b"), "auth/bearer", &bearerB); err != nil || !ok {
		t.Fatalf("account b bearer: ok=%v err=%v", ok, err)
	}
	if bearerA.Value != "bearer:ma" || bearerB.Value != "bearer:mb" {
		t.Errorf("cached bearers a=%q b=%q", bearerA.Value, bearerB.Value)
	}
	if _, ok, _ := e.CachedLocation("b", "a-keys"); ok {
		t.Error("account b sees account a's location")
	}
}

func TestBadCredentialSurfacesAuthFailed(t *testing.T) {
	_, client := newFakeNova(t)
	e := newEngine(t, client)
	register(t, e, "home", "bad")

	_, err := e.ListDevices(context.Background(), "home")
	if !nova.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
	st, _ := e.Status("home")
	if !st.NeedsReauth {
		t.Error("status does not ask for re-authentication")
	}
}

func TestRateLimitedLocationKeepsCachedRecord(t *testing.T) {
	f, client := newFakeNova(t)
	f.set(func(f *fakeNova) {
		f.devices["bearer:m"] = []models.DeviceRecord{{CanonicalID: "keys"}}
		f.reports["keys"] = []models.LocationRecord{fix(7, 700)}
	})
	e := newEngine(t, client)
	register(t, e, "home", "m")
	ctx := context.Background()
	if _, ok, err := e.Location(ctx, "home", "keys"); err != nil || !ok {
		t.Fatalf("first Location: ok=%v err=%v", ok, err)
	}

	f.set(func(f *fakeNova) { f.statuses[nova.EndpointLocate] = http.StatusTooManyRequests })
	rec, ok, err := e.Location(ctx, "home", "keys")
	if !nova.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if !ok || rec.Latitude != 7 {
		t.Errorf("cached record lost: %+v ok=%v", rec, ok)
	}
	if st, _ := e.Status("home"); st.NeedsReauth {
		t.Error("rate limit escalated to re-authentication")
	}
}

func TestPlaySoundGatedByPushReadiness(t *testing.T) {
	f, client := newFakeNova(t)
	f.set(func(f *fakeNova) {
		f.devices["bearer:m"] = []models.DeviceRecord{
			{CanonicalID: "ringer", CanRing: models.True},
			{CanonicalID: "mute", CanRing: models.False},
		}
	})
	receiver := &fakeReceiver{tokens: map[string]string{}}
	e := newEngine(t, client, func(c *Config) { c.Receiver = receiver })
	register(t, e, "home", "m")
	ctx := context.Background()
	if _, err := e.ListDevices(ctx, "home"); err != nil {
		t.Fatal(err)
	}

	if ready, _ := e.PushReady("home"); ready {
		t.Error("push ready without a token")
	}
	if ok, err := e.PlaySound(ctx, "home", "ringer"); ok || err != nil {
		t.Errorf("PlaySound without push = %v, %v", ok, err)
	}

	receiver.tokens["home"] = "push-token"
	if can, _ := e.CanPlaySound("home", "mute"); can {
		t.Error("device without ring capability can play sound")
	}
	if ok, err := e.PlaySound(ctx, "home", "mute"); ok || err != nil {
		t.Errorf("PlaySound on mute device = %v, %v", ok, err)
	}
	if ok, err := e.PlaySound(ctx, "home", "ringer"); !ok || err != nil {
		t.Fatalf("PlaySound = %v, %v", ok, err)
	}
	if ok, err := e.StopSound(ctx, "home", "ringer"); !ok || err != nil {
		t.Errorf("StopSound = %v, %v", ok, err)
	}

	var actions int
	for _, r := range f.seen() {
		if r.endpoint == nova.EndpointExecuteAction {
			actions++
			if r.device != "ringer" {
				t.Errorf("action sent to %q", r.device)
			}
		}
	}
	if actions != 2 {
		t.Errorf("sent %d actions, want 2", actions)
	}
}

func TestPlaySoundFailureDegrades(t *testing.T) {
	f, client := newFakeNova(t)
	f.set(func(f *fakeNova) { f.statuses[nova.EndpointExecuteAction] = http.StatusBadGateway })
	receiver := &fakeReceiver{tokens: map[string]string{"home": "push"}}
	e := newEngine(t, client, func(c *Config) { c.Receiver = receiver })
	register(t, e, "home", "m")

	ok, err := e.PlaySound(context.Background(), "home", "unknown-cap")
	if ok {
		t.Error("failed action reported success")
	}
	if nova.KindOf(err) != nova.KindHTTP {
		t.Errorf("err = %v, want http error", err)
	}
}

func TestProbeCredentials(t *testing.T) {
	_, client := newFakeNova(t)
	e := newEngine(t, client)
	if err := e.ProbeCredentials(context.Background(), "Someone@Example.com", "good"); err != nil {
		t.Errorf("probe good credentials: %v", err)
	}
	if err := e.ProbeCredentials(context.Background(), "someone@example.com", "bad"); !nova.IsAuthFailed(err) {
		t.Errorf("probe bad credentials err = %v", err)
	}
	if len(e.Accounts()) != 0 {
		t.Error("probe registered an account")
	}
}

func TestUnknownAccount(t *testing.T) {
	_, client := newFakeNova(t)
	e := newEngine(t, client)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["ListDevices"] = e.ListDevices(ctx, "nobody")
	_, _, checks["Location"] = e.Location(ctx, "nobody", "d")
	_, checks["PlaySound"] = e.PlaySound(ctx, "nobody", "d")
	_, checks["PushReady"] = e.PushReady("nobody")
	_, checks["Status"] = e.Status("nobody")
	for name, err := range checks {
		if !errors.Is(err, ErrUnknownAccount) {
			t.Errorf("%s err = %v", name, err)
		}
	}
}
