// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package poller drives the per-device refresh cycles of one account.
//
// Each device moves Idle -> Requesting -> Cooling-down -> Idle. A device is
// requested only when it is not already in flight and its cooldown elapsed;
// the in-flight flag is claimed under the coordinator's state mutex so two
// triggers can never poll the same device twice. Whole-account cycles are
// serialized by a separate lock that is never held across accounts.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/locus/internal/devicelist"
	"github.com/tomtom215/locus/internal/location"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
)

var (
	// ErrCycleInProgress is returned when a cycle is triggered while another
	// one for the same account is running.
	ErrCycleInProgress = errors.New("poller: cycle already in progress")

	// ErrDeviceInFlight is returned by Refresh when the device is already
	// being requested. The cached record is returned alongside it.
	ErrDeviceInFlight = errors.New("poller: device request already in flight")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("poller: coordinator closed")
)

// Device outcomes, also used as metric labels.
const (
	OutcomeAccepted         = "accepted"
	OutcomeOverride         = "override"
	OutcomeFiltered         = "filtered"
	OutcomeEmpty            = "empty"
	OutcomeCoolingDown      = "cooling_down"
	OutcomeInFlight         = "in_flight"
	OutcomeFailed           = "failed"
	OutcomeAuthShortCircuit = "auth_short_circuit"
)

// Nova is the part of the request layer the coordinator uses.
type Nova interface {
	ListDevices(ctx context.Context, call nova.Call) ([]byte, error)
	Locate(ctx context.Context, call nova.Call, deviceID string) ([]byte, error)
	Timeout() time.Duration
}

// Tokens resolves and invalidates the account's bearer token.
type Tokens interface {
	BearerToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Publisher receives accepted records.
type Publisher interface {
	PublishLocation(ctx context.Context, update models.LocationUpdate) error
}

// Config configures a Coordinator.
type Config struct {
	AccountID string
	Client    Nova
	Tokens    Tokens
	// Selector defaults to one without overrides.
	Selector *location.Selector
	// Filter defaults to location.AcceptAll.
	Filter location.Filter
	// Index defaults to a fresh index.
	Index *devicelist.CapabilityIndex
	// Publisher is optional.
	Publisher Publisher

	Interval    time.Duration
	DeviceDelay time.Duration
	Backoff     BackoffConfig

	// Now defaults to time.Now.
	Now func() time.Time
}

// DeviceOutcome reports what a cycle did for one device.
type DeviceOutcome struct {
	DeviceID string
	Outcome  string
	Err      error
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Devices []DeviceOutcome
}

// Coordinator polls the devices of a single account.
type Coordinator struct {
	cfg     Config
	limiter *rate.Limiter

	cycleMu sync.Mutex

	mu      sync.Mutex
	states  map[string]*PollState
	devices []models.DeviceRecord
	status  models.AccountStatus

	closed   atomic.Bool
	closing  chan struct{}
	inflight sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("poller: account id is required")
	}
	if cfg.Client == nil || cfg.Tokens == nil {
		return nil, errors.New("poller: client and tokens are required")
	}
	if cfg.Selector == nil {
		cfg.Selector = location.NewSelector(nil)
	}
	if cfg.Filter == nil {
		cfg.Filter = location.AcceptAll
	}
	if cfg.Index == nil {
		cfg.Index = devicelist.NewCapabilityIndex()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 30 * time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 30 * time.Minute
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := rate.Inf
	if cfg.DeviceDelay > 0 {
		limit = rate.Every(cfg.DeviceDelay)
	}

	return &Coordinator{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		states:  make(map[string]*PollState),
		status:  models.AccountStatus{AccountID: cfg.AccountID},
		closing: make(chan struct{}),
	}, nil
}

// AccountID returns the account this coordinator polls.
func (c *Coordinator) AccountID() string { return c.cfg.AccountID }

// Interval returns the regular poll interval.
func (c *Coordinator) Interval() time.Duration { return c.cfg.Interval }

// Index returns the account's capability index.
func (c *Coordinator) Index() *devicelist.CapabilityIndex { return c.cfg.Index }

// RunCycle lists the account's devices and polls each one whose cooldown
// elapsed, in device-list order. A device-list failure aborts the cycle and
// is returned classified. An auth failure short-circuits the remaining
// devices and is returned as well; other per-device failures are reported in
// the result only.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	if c.closed.Load() {
		return CycleResult{}, ErrClosed
	}
	if !c.cycleMu.TryLock() {
		metrics.RecordPollCycle("skipped", 0)
		return CycleResult{}, ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()

	start := c.cfg.Now()
	ctx = logging.ContextWithNewCorrelationID(logging.ContextWithAccount(ctx, c.cfg.AccountID))
	log := logging.Ctx(ctx)

	result, err := c.runCycle(ctx, start)

	label := "ok"
	switch {
	case err != nil && nova.IsAuthFailed(err):
		label = "auth_failed"
	case err != nil && len(result.Devices) == 0:
		label = "list_failed"
	}
	metrics.RecordPollCycle(label, c.cfg.Now().Sub(start))
	c.recordCycle(start, result, err)

	if err != nil {
		log.Warn().Str("kind", nova.KindOf(err).String()).Err(err).Msg("poll cycle failed")
	} else {
		log.Debug().Int("devices", len(result.Devices)).Msg("poll cycle complete")
	}
	return result, err
}

func (c *Coordinator) runCycle(ctx context.Context, start time.Time) (CycleResult, error) {
	reqCtx := c.requestContext(ctx)

	call, err := c.call(reqCtx)
	if err != nil {
		return CycleResult{}, err
	}

	devices, err := c.listDevices(reqCtx, call)
	if err != nil {
		return CycleResult{}, err
	}

	var (
		result  CycleResult
		authErr error
	)
	for _, dev := range devices {
		id := dev.CanonicalID
		if authErr != nil {
			result.add(id, OutcomeAuthShortCircuit, authErr)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.add(id, OutcomeFailed, nova.Classify(nova.EndpointLocate, err))
			continue
		}
		outcome, _, err := c.pollDevice(ctx, call, id, start, false)
		result.add(id, outcome, err)
		if nova.IsAuthFailed(err) {
			authErr = err
			c.handleAuthFailure(reqCtx)
		}
	}
	return result, authErr
}

func (r *CycleResult) add(id, outcome string, err error) {
	metrics.DeviceOutcomes.WithLabelValues(outcome).Inc()
	r.Devices = append(r.Devices, DeviceOutcome{DeviceID: id, Outcome: outcome, Err: err})
}

// requestContext detaches network calls from cancellation so an account
// being removed lets in-flight requests finish or time out, while Close stops
// their retries.
func (c *Coordinator) requestContext(ctx context.Context) context.Context {
	return nova.WithRetryStop(context.WithoutCancel(ctx), c.closing)
}

// call resolves the token shared by every request of one cycle.
func (c *Coordinator) call(ctx context.Context) (nova.Call, error) {
	tok, err := c.cfg.Tokens.BearerToken(ctx)
	if err != nil {
		cerr := nova.Classify("auth.resolve", err)
		if cerr.Kind == nova.KindAuthFailed {
			c.handleAuthFailure(ctx)
		}
		return nova.Call{}, cerr
	}
	return nova.Call{AccountID: c.cfg.AccountID, Token: tok}, nil
}

func (c *Coordinator) listDevices(ctx context.Context, call nova.Call) ([]models.DeviceRecord, error) {
	raw, err := c.cfg.Client.ListDevices(ctx, call)
	if err != nil {
		if nova.IsAuthFailed(err) {
			c.handleAuthFailure(ctx)
		}
		return nil, err
	}
	res, err := devicelist.Decode(raw)
	if err != nil {
		return nil, nova.Classify(nova.EndpointListDevices, err)
	}

	c.cfg.Index.MergeIndex(res.Index)
	metrics.CapabilityIndexSize.WithLabelValues(c.cfg.AccountID).Set(float64(c.cfg.Index.Len()))

	c.mu.Lock()
	c.devices = res.Devices
	c.mu.Unlock()
	return append([]models.DeviceRecord(nil), res.Devices...), nil
}

// ListDevices lists the account's devices now and updates the known device
// list and capability index. Failures are returned classified.
func (c *Coordinator) ListDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ctx = logging.ContextWithAccount(ctx, c.cfg.AccountID)
	reqCtx := c.requestContext(ctx)

	call, err := c.call(reqCtx)
	if err == nil {
		var devices []models.DeviceRecord
		if devices, err = c.listDevices(reqCtx, call); err == nil {
			return devices, nil
		}
	}
	if nova.IsAuthFailed(err) {
		c.setNeedsReauth(nova.KindAuthFailed.String())
	}
	return nil, err
}

// ReportAuthFailure marks the account as needing re-authentication after a
// request made outside the coordinator was rejected.
func (c *Coordinator) ReportAuthFailure() {
	c.setNeedsReauth(nova.KindAuthFailed.String())
}

// Refresh polls one device now, ignoring its cooldown. When the device is
// already being requested the cached record is returned with
// ErrDeviceInFlight.
func (c *Coordinator) Refresh(ctx context.Context, deviceID string) (models.LocationRecord, bool, error) {
	if c.closed.Load() {
		return models.LocationRecord{}, false, ErrClosed
	}
	ctx = logging.ContextWithAccount(ctx, c.cfg.AccountID)
	reqCtx := c.requestContext(ctx)

	call, err := c.call(reqCtx)
	if err != nil {
		if nova.IsAuthFailed(err) {
			c.setNeedsReauth(nova.KindAuthFailed.String())
		}
		rec, ok := c.Cached(deviceID)
		return rec, ok, err
	}

	outcome, rec, err := c.pollDevice(ctx, call, deviceID, c.cfg.Now(), true)
	metrics.DeviceOutcomes.WithLabelValues(outcome).Inc()
	if nova.IsAuthFailed(err) {
		c.handleAuthFailure(reqCtx)
		c.setNeedsReauth(nova.KindAuthFailed.String())
	}
	if rec == nil {
		return models.LocationRecord{}, false, err
	}
	return *rec, true, err
}

// pollDevice runs one Idle -> Requesting -> Idle/Cooling-down transition.
// A successful poll cools down for one interval from scheduled, the cycle
// start or the refresh time, so request latency and device pacing never push
// a device past the next tick. The returned record is the cached one after the
// transition, if any.
func (c *Coordinator) pollDevice(ctx context.Context, call nova.Call, deviceID string, scheduled time.Time, force bool) (string, *models.LocationRecord, error) {
	st, outcome, err := c.claim(deviceID, scheduled, force)
	if st == nil {
		return outcome, c.cachedPtr(deviceID), err
	}
	defer c.release(st)

	log := logging.CtxWith(ctx).Str("device_id", deviceID).Logger()

	if err := c.limiter.Wait(ctx); err != nil {
		return OutcomeFailed, c.cachedPtr(deviceID), nova.Classify(nova.EndpointLocate, err)
	}

	raw, err := c.cfg.Client.Locate(c.requestContext(ctx), call, deviceID)
	if err == nil {
		var records []models.LocationRecord
		records, err = location.DecodeReport(raw)
		if err != nil {
			err = nova.Classify(nova.EndpointLocate, err)
		} else {
			return c.accept(ctx, st, scheduled, records)
		}
	}

	now := c.cfg.Now()
	c.mu.Lock()
	if nova.IsAuthFailed(err) {
		// Back to Idle; the account needs new credentials, not a cooldown.
		rec := copyRecord(st.last)
		c.mu.Unlock()
		log.Warn().Err(err).Msg("device request rejected credentials")
		return OutcomeFailed, rec, err
	}
	delay := st.failed(now, nova.RetryAfterOf(err))
	failures := st.consecutiveFailures
	rec := copyRecord(st.last)
	c.mu.Unlock()

	log.Warn().Err(err).Str("kind", nova.KindOf(err).String()).
		Int("consecutive_failures", failures).Dur("cooldown", delay).
		Msg("device location request failed, keeping last location")
	return OutcomeFailed, rec, err
}

// accept runs selection and filtering on a successful response.
func (c *Coordinator) accept(ctx context.Context, st *PollState, scheduled time.Time, records []models.LocationRecord) (string, *models.LocationRecord, error) {
	now := c.cfg.Now()
	best, ok := c.cfg.Selector.SelectBest(records)

	c.mu.Lock()
	st.succeeded(scheduled, c.cfg.Interval)
	if !ok {
		rec := copyRecord(st.last)
		c.mu.Unlock()
		return OutcomeEmpty, rec, nil
	}
	if !best.Trusted {
		if accepted, reason := c.cfg.Filter.Accept(best, st.last); !accepted {
			rec := copyRecord(st.last)
			c.mu.Unlock()
			logging.Ctx(ctx).Debug().Str("device_id", st.deviceID).Str("reason", reason).Msg("location filtered")
			return OutcomeFiltered, rec, nil
		}
	}
	stored := best
	st.last = &stored
	rec := copyRecord(st.last)
	c.mu.Unlock()

	if c.cfg.Publisher != nil {
		update := models.LocationUpdate{AccountID: c.cfg.AccountID, DeviceID: st.deviceID, Record: best, At: now}
		if err := c.cfg.Publisher.PublishLocation(ctx, update); err != nil {
			logging.Ctx(ctx).Debug().Err(err).Msg("failed to publish location update")
		}
	}
	if best.Trusted {
		return OutcomeOverride, rec, nil
	}
	return OutcomeAccepted, rec, nil
}

// claim performs the in-flight test-and-set. A nil state means the device
// must not be requested now. The cooldown is checked at the scheduled time,
// plus a slack that absorbs ticker jitter between cycle starts.
func (c *Coordinator) claim(deviceID string, scheduled time.Time, force bool) (*PollState, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, OutcomeFailed, ErrClosed
	}
	st, ok := c.states[deviceID]
	if !ok {
		st = newPollState(deviceID, c.cfg.Backoff)
		c.states[deviceID] = st
	}
	if st.inFlight {
		return nil, OutcomeInFlight, ErrDeviceInFlight
	}
	if !force && scheduled.Add(c.scheduleSlack()).Before(st.cooldownUntil) {
		return nil, OutcomeCoolingDown, nil
	}
	st.inFlight = true
	c.inflight.Add(1)
	return st, "", nil
}

func (c *Coordinator) scheduleSlack() time.Duration {
	return min(time.Second, c.cfg.Interval/10)
}

func (c *Coordinator) release(st *PollState) {
	c.mu.Lock()
	st.inFlight = false
	c.mu.Unlock()
	c.inflight.Done()
}

func (c *Coordinator) handleAuthFailure(ctx context.Context) {
	if err := c.cfg.Tokens.Invalidate(ctx); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("failed to invalidate credentials")
	}
}

func (c *Coordinator) recordCycle(at time.Time, result CycleResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastCycleAt = at
	c.status.Devices = len(c.devices)
	c.status.NeedsReauth = nova.IsAuthFailed(err)
	c.status.LastErrorKind = ""
	if err != nil {
		c.status.LastErrorKind = nova.KindOf(err).String()
		return
	}
	for _, d := range result.Devices {
		if d.Err != nil && !errors.Is(d.Err, ErrDeviceInFlight) {
			c.status.LastErrorKind = nova.KindOf(d.Err).String()
			return
		}
	}
}

func (c *Coordinator) setNeedsReauth(kind string) {
	c.mu.Lock()
	c.status.NeedsReauth = true
	c.status.LastErrorKind = kind
	c.mu.Unlock()
}

// Status returns the account's health.
func (c *Coordinator) Status() models.AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Devices returns the device list from the last successful listing.
func (c *Coordinator) Devices() []models.DeviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.DeviceRecord, len(c.devices))
	copy(out, c.devices)
	return out
}

// Cached returns the last accepted record for deviceID.
func (c *Coordinator) Cached(deviceID string) (models.LocationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[deviceID]
	if !ok {
		return models.LocationRecord{}, false
	}
	return st.lastRecord()
}

func (c *Coordinator) cachedPtr(deviceID string) *models.LocationRecord {
	rec, ok := c.Cached(deviceID)
	if !ok {
		return nil
	}
	return &rec
}

// Snapshot returns the state of every device seen so far.
func (c *Coordinator) Snapshot() []DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, st.snapshot())
	}
	return out
}

// Closed reports whether Close was called.
func (c *Coordinator) Closed() bool { return c.closed.Load() }

// Close stops new cycles and refreshes, stops retries of in-flight
// requests, and waits for them up to the request timeout.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	close(c.closing)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	wait := c.cfg.Client.Timeout() + time.Second
	select {
	case <-done:
	case <-time.After(wait):
		logging.Warn().Str("account_id", c.cfg.AccountID).Dur("waited", wait).
			Msg("in-flight device requests still running after close")
	}
	return nil
}

func copyRecord(r *models.LocationRecord) *models.LocationRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
