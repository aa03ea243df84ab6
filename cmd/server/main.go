// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package main is the entry point for the Locus server.
//
// Locus keeps the locations of devices registered with a cloud location
// service in sync for any number of accounts. Components start in order:
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Logging
//  3. Cache backend: in-memory or badger
//  4. Nova client, identity provider, push receiver
//  5. Event bus and location stream hub
//  6. Supervisor tree and engine; configured accounts are registered
//  7. HTTP API
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. The supervisor stops the HTTP
// server, pollers and stream hub; the engine then releases every account
// before the cache backend is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/locus/internal/api"
	"github.com/tomtom215/locus/internal/auth"
	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/config"
	"github.com/tomtom215/locus/internal/engine"
	"github.com/tomtom215/locus/internal/events"
	"github.com/tomtom215/locus/internal/location"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/poller"
	"github.com/tomtom215/locus/internal/push"
	"github.com/tomtom215/locus/internal/supervisor"
	"github.com/tomtom215/locus/internal/supervisor/services"
	"github.com/tomtom215/locus/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("locus stopped with error")
	}
	logging.Info().Msg("locus stopped gracefully")
}

func run(cfg *config.Config) error {
	logging.Info().
		Str("cache_backend", cfg.Cache.Backend).
		Int("accounts", len(cfg.AllAccounts())).
		Dur("poll_interval", cfg.Poll.Interval).
		Msg("starting locus")

	backend, err := openBackend(cfg.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing cache backend")
		}
	}()

	guard := nova.NewGuard()
	client := nova.NewClient(nova.Config{
		BaseURL:      cfg.Nova.BaseURL,
		ClientID:     cfg.Nova.ClientID,
		Timeout:      cfg.Nova.RequestTimeout,
		MaxRetries:   cfg.Nova.MaxRetries,
		RetryInitial: cfg.Nova.RetryInitial,
		Breaker: nova.BreakerSettings{
			MaxFailures: cfg.Nova.BreakerMaxFailures,
			Timeout:     cfg.Nova.BreakerTimeout,
			Interval:    cfg.Nova.BreakerInterval,
		},
		Guard: guard,
	})
	provider := auth.NewHTTPProvider(auth.HTTPProviderConfig{
		AuthURL:  cfg.Identity.AuthURL,
		TokenURL: cfg.Identity.TokenURL,
		Service:  cfg.Identity.Service,
		App:      cfg.Identity.App,
		Timeout:  cfg.Nova.RequestTimeout,
	})

	bus := events.NewBus(events.BusConfig{Logger: events.NewLoggerAdapter()})
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing event bus")
		}
	}()
	hub := websocket.NewHub(bus)

	tree, err := supervisor.NewTree(logging.NewSlogLogger("supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Client:      client,
		Provider:    provider,
		Backend:     backend,
		Receiver:    push.NewStaticReceiver(pushTokens(cfg)),
		Publisher:   bus,
		Supervisor:  tree,
		Overrides:   overrides(cfg.Overrides),
		Filter:      filter(cfg.Filter),
		Poll:        pollSettings(cfg.Poll),
		RefreshSkew: cfg.Identity.RefreshSkew,
		Guard:       guard,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registerAccounts(ctx, eng, cfg.AllAccounts())

	handler := api.NewHandler(eng, hub, cfg.Server.CORSOrigins)
	server := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(handler, api.RouterConfig{
			Middleware: api.ChiMiddlewareConfig{
				CORSAllowedOrigins: cfg.Server.CORSOrigins,
				CORSMaxAge:         api.DefaultChiMiddlewareConfig().CORSMaxAge,
				RateLimitRequests:  cfg.Server.RateLimitReqs,
				RateLimitWindow:    cfg.Server.RateLimitWindow,
			},
			RequestTimeout: cfg.Server.Timeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tree.AddStreamingService(services.NewStreamHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	errCh := tree.ServeBackground(ctx)
	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received, stopping services")
		treeErr = <-errCh
	case treeErr = <-errCh:
		// The root supervisor only returns early on a fatal failure.
		cancel()
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		logging.Error().Err(treeErr).Msg("supervisor tree error")
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer closeCancel()
	eng.Close(closeCtx)
	return nil
}

// openBackend builds the process-wide cache.
func openBackend(cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case "badger":
		b, err := cache.OpenBadgerBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger cache at %s: %w", cfg.Path, err)
		}
		return b, nil
	default:
		return cache.NewMemoryBackend(time.Minute), nil
	}
}

func overrides(cfgs []config.OverrideConfig) []location.Override {
	out := make([]location.Override, 0, len(cfgs))
	for _, o := range cfgs {
		out = append(out, location.Override{
			Label:     o.Label,
			Latitude:  o.Latitude,
			Longitude: o.Longitude,
			Accuracy:  o.AccuracyM,
		})
	}
	return out
}

func filter(cfg config.FilterConfig) location.Filter {
	if !cfg.Enabled {
		return location.AcceptAll
	}
	return location.NewNoiseFilter(location.NoiseFilterConfig{
		MaxCrowdAccuracyM: cfg.MaxCrowdAccuracyM,
		MinMovementM:      cfg.MinMovementM,
	})
}

func pollSettings(cfg config.PollConfig) engine.PollSettings {
	return engine.PollSettings{
		Interval:    cfg.Interval,
		DeviceDelay: cfg.DeviceDelay,
		Backoff: poller.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.BackoffJitter,
		},
	}
}

func pushTokens(cfg *config.Config) map[string]string {
	tokens := make(map[string]string)
	for _, a := range cfg.AllAccounts() {
		if a.PushToken != "" {
			tokens[a.ID] = a.PushToken
		}
	}
	return tokens
}

// accountRegistrar is the part of the engine registerAccounts needs.
type accountRegistrar interface {
	RegisterAccount(ctx context.Context, spec engine.AccountSpec) error
}

// registerAccounts registers every configured account. A failing account is
// logged and skipped so the others still start.
func registerAccounts(ctx context.Context, eng accountRegistrar, accounts []config.AccountConfig) int {
	registered := 0
	for _, a := range accounts {
		err := eng.RegisterAccount(ctx, engine.AccountSpec{
			ID:               a.ID,
			Email:            a.Email,
			MasterCredential: a.MasterToken,
		})
		if err != nil {
			logging.Error().
				Str("account_id", a.ID).
				Str("email", logging.SanitizeEmail(a.Email)).
				Err(err).
				Msg("failed to register account")
			continue
		}
		registered++
		logging.Info().Str("account_id", a.ID).Msg("account registered")
	}
	return registered
}
