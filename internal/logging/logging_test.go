// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("Debug") {
		t.Error("expected Debug to be valid")
	}
	if ValidLevel("verbose") {
		t.Error("expected verbose to be invalid")
	}
}

func TestCtxAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithAccount(ctx, "acct-1")
	Ctx(ctx).Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"correlation_id":"abc12345"`, `"account_id":"acct-1"`, "hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %s, got: %s", want, out)
		}
	}
}

func TestCtxWithExtendsContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	ctx := ContextWithAccount(context.Background(), "acct-1")
	l := CtxWith(ctx).Str("device_id", "keys").Logger()
	l.Warn().Msg("request failed")

	out := buf.String()
	for _, want := range []string{`"account_id":"acct-1"`, `"device_id":"keys"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %s, got: %s", want, out)
		}
	}
}

func TestGenerateCorrelationID(t *testing.T) {
	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	if len(a) != 8 {
		t.Errorf("expected 8 characters, got %d", len(a))
	}
	if a == b {
		t.Error("expected unique correlation IDs")
	}
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"short", "abc", "***"},
		{"boundary", "123456789012", "***"},
		{"long", "ya29.abcdefghijklmnop", "ya29...mnop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeToken(tt.in); got != tt.want {
				t.Errorf("SanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := SanitizeEmail("someone@example.com"); got != "s***@example.com" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeEmail("not-an-email"); got != "***" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateMessage(t *testing.T) {
	short := "boom"
	if got := TruncateMessage(short); got != short {
		t.Errorf("short message changed: %q", got)
	}

	long := strings.Repeat("é", 150) // 300 bytes
	got := TruncateMessage(long)
	if len(got) > MaxMessageLength+3 {
		t.Errorf("truncated length %d exceeds bound", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
	if strings.ContainsRune(got, '�') {
		t.Error("truncation split a UTF-8 sequence")
	}
}

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSlogHandler(NewTestLogger(&buf)))

	logger.WithGroup("svc").Info("restarted", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, `"svc.attempt":2`) {
		t.Errorf("expected grouped attribute, got: %s", out)
	}
	if !strings.Contains(out, `"level":"info"`) {
		t.Errorf("expected info level, got: %s", out)
	}
}
