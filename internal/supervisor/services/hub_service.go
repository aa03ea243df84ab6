// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package services

import "context"

// StreamHub is satisfied by *websocket.Hub.
type StreamHub interface {
	RunWithContext(ctx context.Context) error
}

// StreamHubService runs the location stream hub under supervision.
type StreamHubService struct {
	hub StreamHub
}

// NewStreamHubService wraps hub.
func NewStreamHubService(hub StreamHub) *StreamHubService {
	return &StreamHubService{hub: hub}
}

// Serve implements suture.Service.
func (s *StreamHubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

func (s *StreamHubService) String() string { return "stream-hub" }
