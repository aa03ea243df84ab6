// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

// Package events carries accepted location updates between the pollers and
// their in-process consumers, such as the websocket stream.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
)

// TopicLocationUpdated carries models.LocationUpdate payloads.
const TopicLocationUpdated = "locus.location.updated"

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("events: bus closed")

// BusConfig configures a Bus.
type BusConfig struct {
	// Buffer is the per-subscriber channel size.
	Buffer int64
	Logger watermill.LoggerAdapter
}

// Bus is an in-memory publish/subscribe channel. Updates published with no
// subscriber are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
	closed atomic.Bool
}

// NewBus creates a Bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLoggerAdapter()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: cfg.Buffer}, cfg.Logger),
	}
}

// PublishLocation publishes an accepted location.
func (b *Bus) PublishLocation(ctx context.Context, update models.LocationUpdate) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode location update: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("account_id", update.AccountID)
	msg.Metadata.Set("device_id", update.DeviceID)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}
	if err := b.pubsub.Publish(TopicLocationUpdated, msg); err != nil {
		return fmt.Errorf("publish location update: %w", err)
	}
	return nil
}

// SubscribeLocations returns a channel of decoded updates that closes when
// ctx is cancelled or the bus is closed.
func (b *Bus) SubscribeLocations(ctx context.Context) (<-chan models.LocationUpdate, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	msgs, err := b.pubsub.Subscribe(ctx, TopicLocationUpdated)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan models.LocationUpdate)
	go func() {
		defer close(out)
		for msg := range msgs {
			var update models.LocationUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable location update")
				msg.Ack()
				continue
			}
			select {
			case out <- update:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.pubsub.Close()
}
