// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package poller

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/locus/internal/logging"
)

// Service runs a Coordinator as a supervised service: one cycle on start,
// then one per poll interval.
type Service struct {
	coordinator *Coordinator
	interval    time.Duration
	name        string
}

// NewService wraps c.
func NewService(c *Coordinator) *Service {
	return &Service{
		coordinator: c,
		interval:    c.Interval(),
		name:        "poller:" + c.AccountID(),
	}
}

// Serve implements suture.Service. It returns suture.ErrDoNotRestart once the
// coordinator is closed.
func (s *Service) Serve(ctx context.Context) error {
	log := logging.Ctx(logging.ContextWithAccount(ctx, s.coordinator.AccountID()))
	log.Info().Dur("interval", s.interval).Msg("poller started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	_, err := s.coordinator.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrClosed):
		return suture.ErrDoNotRestart
	case errors.Is(err, ErrCycleInProgress):
		logging.Ctx(ctx).Debug().Msg("previous cycle still running, skipping tick")
	}
	// Cycle failures are already logged and recorded in the account status;
	// the next tick retries.
	return nil
}

// String implements fmt.Stringer for suture's logs.
func (s *Service) String() string { return s.name }
