// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package engine is the multi-account entry point: it registers accounts,
// wires each one's credential chain, cache scope and poller, and serves the
// device operations callers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/locus/internal/auth"
	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/location"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/poller"
	"github.com/tomtom215/locus/internal/push"
	"github.com/tomtom215/locus/internal/validation"
)

var (
	// ErrUnknownAccount is returned for an account that is not registered.
	ErrUnknownAccount = errors.New("engine: unknown account")

	// ErrAccountExists is returned when registering a duplicate account id.
	ErrAccountExists = errors.New("engine: account already registered")
)

// AccountSpec describes an account to register.
type AccountSpec struct {
	ID               string `json:"id" validate:"required,accountid"`
	Email            string `json:"email" validate:"required,email"`
	MasterCredential string `json:"master_token" validate:"required"`
}

// Nova is the request layer the engine drives.
type Nova interface {
	poller.Nova
	PlaySound(ctx context.Context, call nova.Call, deviceID, pushToken string) error
	StopSound(ctx context.Context, call nova.Call, deviceID, pushToken string) error
	Forget(accountID string)
}

// Supervisor runs each account's poller.
type Supervisor interface {
	AddAccountService(svc suture.Service) suture.ServiceToken
	RemoveAccountService(token suture.ServiceToken) error
}

// PollSettings are applied to every account's coordinator.
type PollSettings struct {
	Interval    time.Duration
	DeviceDelay time.Duration
	Backoff     poller.BackoffConfig
}

// Config configures an Engine.
type Config struct {
	Client   Nova
	Provider auth.IdentityProvider

	// Backend is the process-wide cache. When nil every account gets a
	// private in-memory cache.
	Backend cache.Backend
	// Receiver is the push-notification receiver; nil means never ready.
	Receiver push.Receiver
	// Publisher receives accepted locations; optional.
	Publisher poller.Publisher
	// Supervisor runs background polling; without one accounts are only
	// polled on demand.
	Supervisor Supervisor

	Overrides   []location.Override
	Filter      location.Filter
	Poll        PollSettings
	RefreshSkew time.Duration

	// Guard counts unscoped-cache failures. It must be the one the client
	// was built with; a fresh one is created if nil.
	Guard *nova.Guard
}

type account struct {
	id          string
	cache       *cache.ScopedCache
	authority   *auth.Authority
	coordinator *poller.Coordinator
	service     suture.ServiceToken
	supervised  bool
}

// Engine manages registered accounts. Safe for concurrent use.
type Engine struct {
	cfg      Config
	selector *location.Selector
	monitor  *push.Monitor

	mu       sync.RWMutex
	accounts map[string]*account
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, errors.New("engine: nova client is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("engine: identity provider is required")
	}
	if cfg.Filter == nil {
		cfg.Filter = location.AcceptAll
	}
	if cfg.Guard == nil {
		cfg.Guard = nova.NewGuard()
	}
	return &Engine{
		cfg:      cfg,
		selector: location.NewSelector(cfg.Overrides),
		monitor:  push.NewMonitor(cfg.Receiver),
		accounts: make(map[string]*account),
	}, nil
}

// RegisterAccount validates spec, builds the account's components and starts
// its poller.
func (e *Engine) RegisterAccount(ctx context.Context, spec AccountSpec) error {
	if verr := validation.ValidateStruct(&spec); verr != nil {
		return fmt.Errorf("register account: %w", verr)
	}
	spec.Email = models.NormalizeEmail(spec.Email)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, spec.ID)
	}

	acct, err := e.build(spec)
	if err != nil {
		return err
	}
	if e.cfg.Supervisor != nil {
		acct.service = e.cfg.Supervisor.AddAccountService(poller.NewService(acct.coordinator))
		acct.supervised = true
	}
	e.accounts[spec.ID] = acct
	metrics.RegisteredAccounts.Set(float64(len(e.accounts)))

	logging.Ctx(logging.ContextWithAccount(ctx, spec.ID)).Info().
		Str("email", logging.SanitizeEmail(spec.Email)).
		Bool("supervised", acct.supervised).
		Msg("account registered")
	return nil
}

func (e *Engine) build(spec AccountSpec) (*account, error) {
	var scoped *cache.ScopedCache
	if e.cfg.Backend != nil {
		scoped = cache.Scoped(e.cfg.Backend, spec.ID)
	} else {
		scoped = cache.NewEphemeral(spec.ID)
	}

	authority, err := auth.New(auth.Config{
		AccountID:        spec.ID,
		Email:            spec.Email,
		MasterCredential: spec.MasterCredential,
		Provider:         e.cfg.Provider,
		Cache:            scoped,
		RefreshSkew:      e.cfg.RefreshSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}

	coordinator, err := poller.New(poller.Config{
		AccountID:   spec.ID,
		Client:      e.cfg.Client,
		Tokens:      authority,
		Selector:    e.selector,
		Filter:      e.cfg.Filter,
		Publisher:   e.cfg.Publisher,
		Interval:    e.cfg.Poll.Interval,
		DeviceDelay: e.cfg.Poll.DeviceDelay,
		Backoff:     e.cfg.Poll.Backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}

	return &account{id: spec.ID, cache: scoped, authority: authority, coordinator: coordinator}, nil
}

// UnregisterAccount stops the account's poller, lets in-flight requests
// finish without retry, drops its cached credentials and releases its cache
// scope and breaker.
func (e *Engine) UnregisterAccount(ctx context.Context, id string) error {
	return e.unregister(ctx, id, true)
}

// unregister removes the account. Credentials survive only a shutdown so a
// persistent backend can reuse them after restart.
func (e *Engine) unregister(ctx context.Context, id string, forget bool) error {
	e.mu.Lock()
	acct, ok := e.accounts[id]
	if ok {
		delete(e.accounts, id)
		metrics.RegisteredAccounts.Set(float64(len(e.accounts)))
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}

	log := logging.Ctx(logging.ContextWithAccount(ctx, id))
	if err := acct.coordinator.Close(); err != nil {
		log.Warn().Err(err).Msg("closing poller")
	}
	if acct.supervised {
		if err := e.cfg.Supervisor.RemoveAccountService(acct.service); err != nil {
			// The service may already have stopped itself after Close.
			log.Debug().Err(err).Msg("removing poller service")
		}
	}
	if forget {
		if err := acct.authority.Invalidate(ctx); err != nil {
			log.Warn().Err(err).Msg("dropping cached credentials")
		}
	}
	acct.cache.Release()
	e.cfg.Client.Forget(id)
	metrics.CapabilityIndexSize.DeleteLabelValues(id)

	log.Info().Msg("account unregistered")
	return nil
}

// Close unregisters every account, keeping their cached credentials.
func (e *Engine) Close(ctx context.Context) {
	for _, id := range e.Accounts() {
		if err := e.unregister(ctx, id, false); err != nil && !errors.Is(err, ErrUnknownAccount) {
			logging.Warn().Err(err).Str("account_id", id).Msg("unregister on close")
		}
	}
}

func (e *Engine) lookup(id string) (*account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acct, ok := e.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acct, nil
}

// UnscopedCacheFailures returns how often a request ran against a cache
// without an account scope.
func (e *Engine) UnscopedCacheFailures() int64 { return e.cfg.Guard.Count() }

// Accounts returns the registered account ids in sorted order.
func (e *Engine) Accounts() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Status returns the account's health, including whether its credentials
// need re-entering.
func (e *Engine) Status(id string) (models.AccountStatus, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return models.AccountStatus{}, err
	}
	return acct.coordinator.Status(), nil
}

// DeviceStates returns the poll state of every device seen for the account.
func (e *Engine) DeviceStates(id string) ([]poller.DeviceState, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	states := acct.coordinator.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].DeviceID < states[j].DeviceID })
	return states, nil
}

// ProbeCredentials runs the credential chain once against a private cache.
// A rejection is classified nova.KindAuthFailed.
func (e *Engine) ProbeCredentials(ctx context.Context, email, master string) error {
	return auth.Probe(ctx, e.cfg.Provider, models.NormalizeEmail(email), master)
}
