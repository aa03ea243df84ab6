// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package engine

import (
	"context"
	"errors"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
	"github.com/tomtom215/locus/internal/nova"
	"github.com/tomtom215/locus/internal/poller"
)

// ListDevices lists the account's devices without locating them. Failures
// are returned classified so the caller can keep its last good list.
func (e *Engine) ListDevices(ctx context.Context, id string) ([]models.DeviceRecord, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return acct.coordinator.ListDevices(ctx)
}

// KnownDevices returns the device list from the account's last listing
// without a request.
func (e *Engine) KnownDevices(id string) ([]models.DeviceRecord, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return acct.coordinator.Devices(), nil
}

// Location locates deviceID now and returns its best record. A failed
// request degrades to the cached record, or to false when there is none;
// the error is returned alongside for callers that report it.
func (e *Engine) Location(ctx context.Context, id, deviceID string) (models.LocationRecord, bool, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return models.LocationRecord{}, false, err
	}
	rec, ok, err := acct.coordinator.Refresh(ctx, deviceID)
	if err != nil && !errors.Is(err, poller.ErrDeviceInFlight) {
		logging.Ctx(logging.ContextWithAccount(ctx, id)).Warn().
			Str("device_id", deviceID).
			Str("kind", nova.KindOf(err).String()).
			Err(err).
			Msg("location request failed")
	}
	return rec, ok, err
}

// CachedLocation returns the last accepted record without a request.
func (e *Engine) CachedLocation(id, deviceID string) (models.LocationRecord, bool, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return models.LocationRecord{}, false, err
	}
	rec, ok := acct.coordinator.Cached(deviceID)
	return rec, ok, nil
}

// PushReady reports whether the push channel can acknowledge actions for
// the account.
func (e *Engine) PushReady(id string) (bool, error) {
	if _, err := e.lookup(id); err != nil {
		return false, err
	}
	return e.monitor.IsReady(id), nil
}

// CanPlaySound reports whether a play-sound request for deviceID would be
// sent right now.
func (e *Engine) CanPlaySound(id, deviceID string) (bool, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	return e.monitor.CanPlaySound(id, acct.coordinator.Index(), deviceID), nil
}

// PlaySound rings deviceID. It returns false without a request when the
// push channel is not ready or the device cannot ring, and false with the
// classified error when the request fails.
func (e *Engine) PlaySound(ctx context.Context, id, deviceID string) (bool, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	if !e.monitor.CanPlaySound(id, acct.coordinator.Index(), deviceID) {
		logging.Ctx(logging.ContextWithAccount(ctx, id)).Debug().
			Str("device_id", deviceID).
			Msg("play sound skipped: push channel not ready or device cannot ring")
		return false, nil
	}
	return e.act(ctx, acct, deviceID, nova.ActionPlaySound)
}

// StopSound stops a ringing device. Like PlaySound it needs a push token.
func (e *Engine) StopSound(ctx context.Context, id, deviceID string) (bool, error) {
	acct, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	return e.act(ctx, acct, deviceID, nova.ActionStopSound)
}

func (e *Engine) act(ctx context.Context, acct *account, deviceID string, action nova.Action) (bool, error) {
	ctx = logging.ContextWithAccount(ctx, acct.id)
	log := logging.Ctx(ctx)

	if acct.coordinator.Closed() {
		return false, poller.ErrClosed
	}
	pushToken, ok := e.monitor.PeekToken(acct.id)
	if !ok {
		log.Debug().Str("device_id", deviceID).Str("action", action.String()).Msg("no push token, action skipped")
		return false, nil
	}

	call := nova.Call{AccountID: acct.id, Tokens: acct.authority}
	var err error
	switch action {
	case nova.ActionStopSound:
		err = e.cfg.Client.StopSound(ctx, call, deviceID, pushToken)
	default:
		err = e.cfg.Client.PlaySound(ctx, call, deviceID, pushToken)
	}
	if err != nil {
		if nova.IsAuthFailed(err) {
			acct.coordinator.ReportAuthFailure()
		}
		log.Warn().
			Str("device_id", deviceID).
			Str("action", action.String()).
			Str("kind", nova.KindOf(err).String()).
			Err(err).
			Msg("device action failed")
		return false, err
	}
	log.Info().Str("device_id", deviceID).Str("action", action.String()).Msg("device action sent")
	return true, nil
}
