// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package push

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/models"
)

type tokenOnly struct {
	token string
	err   error
}

func (r tokenOnly) GetToken(string) (string, error) { return r.token, r.err }

type readyReceiver struct {
	tokenOnly
	ready bool
}

func (r readyReceiver) Ready() bool { return r.ready }

type connReceiver struct {
	tokenOnly
	connected, listening bool
}

func (r connReceiver) Connected() bool { return r.connected }
func (r connReceiver) Listening() bool { return r.listening }

type caps map[string]models.Tristate

func (c caps) CanRing(id string) models.Tristate { return c[id] }

func TestIsReady(t *testing.T) {
	tests := []struct {
		name     string
		receiver Receiver
		want     bool
	}{
		{"nil receiver", nil, false},
		{"token probe ok", tokenOnly{token: "tok"}, true},
		{"token probe blank", tokenOnly{token: "  "}, false},
		{"token probe not connected", tokenOnly{err: ErrNotConnected}, false},
		{"token probe error", tokenOnly{err: errors.New("boom")}, false},
		{"readiness reporter ready", readyReceiver{tokenOnly{token: "tok"}, true}, true},
		{"readiness reporter not ready", readyReceiver{tokenOnly{token: "tok"}, false}, false},
		{"connected but not listening", connReceiver{tokenOnly{token: "tok"}, true, false}, false},
		{"connected and listening", connReceiver{tokenOnly{token: "tok"}, true, true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMonitor(tt.receiver).IsReady("a"); got != tt.want {
				t.Errorf("IsReady = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeFailuresStayBelowWarning(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&buf))
	defer logging.SetLogger(prev)

	NewMonitor(tokenOnly{err: errors.New("boom")}).IsReady("a")
	NewMonitor(tokenOnly{err: ErrNotConnected}).IsReady("a")

	out := buf.String()
	if strings.Contains(out, `"level":"warn"`) || strings.Contains(out, `"level":"error"`) {
		t.Errorf("probe logged above debug: %s", out)
	}
}

func TestCanPlaySound(t *testing.T) {
	ready := NewMonitor(tokenOnly{token: "tok"})
	notReady := NewMonitor(tokenOnly{err: ErrNotConnected})
	index := caps{"yes": models.True, "no": models.False}

	tests := []struct {
		name   string
		m      *Monitor
		device string
		want   bool
	}{
		{"ready and capable", ready, "yes", true},
		{"ready and unknown", ready, "mystery", true},
		{"ready but incapable", ready, "no", false},
		{"not ready", notReady, "yes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.CanPlaySound("a", index, tt.device); got != tt.want {
				t.Errorf("CanPlaySound = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeekToken(t *testing.T) {
	tok, ok := NewMonitor(tokenOnly{token: " tok "}).PeekToken("a")
	if !ok || tok != "tok" {
		t.Errorf("PeekToken = %q, %v", tok, ok)
	}
}
