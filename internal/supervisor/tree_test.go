// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// mockService runs until its context is cancelled.
type mockService struct {
	name    string
	started atomic.Int32
	stopped atomic.Int32
	running chan struct{}
}

func newMockService(name string) *mockService {
	return &mockService{name: name, running: make(chan struct{}, 8)}
}

func (m *mockService) Serve(ctx context.Context) error {
	m.started.Add(1)
	defer m.stopped.Add(1)
	m.running <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string { return m.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitStarted(t *testing.T, m *mockService) {
	t.Helper()
	select {
	case <-m.running:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not start", m.name)
	}
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree, err := NewTree(quietLogger(), TreeConfig{})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if tree.config != DefaultTreeConfig() {
		t.Errorf("config = %+v, want defaults", tree.config)
	}
	if tree.Root() == nil {
		t.Error("root supervisor is nil")
	}
	if _, err := NewTree(nil, TreeConfig{}); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestTreeRunsEveryLayer(t *testing.T) {
	tree, err := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	stream := newMockService("stream")
	acct := newMockService("poller:a")
	api := newMockService("http")
	tree.AddStreamingService(stream)
	tree.AddAccountService(acct)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	for _, m := range []*mockService{stream, acct, api} {
		waitStarted(t, m)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down")
	}
}

func TestRemoveAccountServiceWaitsForStop(t *testing.T) {
	tree, err := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	acct := newMockService("poller:a")
	token := tree.AddAccountService(acct)
	waitStarted(t, acct)

	if err := tree.RemoveAccountService(token); err != nil {
		t.Fatalf("RemoveAccountService: %v", err)
	}
	if acct.stopped.Load() != 1 {
		t.Errorf("service stopped %d times, want 1", acct.stopped.Load())
	}
}
