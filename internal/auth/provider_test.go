// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tomtom215/locus/internal/nova"
)

func newTestProvider(t *testing.T, authHandler, tokenHandler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	mux := http.NewServeMux()
	if authHandler != nil {
		mux.HandleFunc("/auth", authHandler)
	}
	if tokenHandler != nil {
		mux.HandleFunc("/token", tokenHandler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(HTTPProviderConfig{
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
		Service:  "oauth2:https://www.googleapis.com/auth/android_device_manager",
		App:      "com.example.locus",
		Timeout:  2 * time.Second,
	})
}

func TestHTTPProviderMintServiceCredential(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		want    string
	}{
		{"success", http.StatusOK, "SID=x\nAuth=svc-token\nExpiry=1893456000\n", nil, "svc-token"},
		{"bad authentication", http.StatusForbidden, "Error=BadAuthentication\n", ErrBadCredential, ""},
		{"needs browser", http.StatusOK, "Error=NeedsBrowser\nUrl=https://example\n", ErrBadCredential, ""},
		{"no auth line", http.StatusOK, "SID=x\n", ErrMissingToken, ""},
		{"plain forbidden", http.StatusForbidden, "", ErrBadCredential, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil {
					t.Errorf("ParseForm: %v", err)
				}
				if r.PostForm.Get("Token") != "master" || r.PostForm.Get("Email") != "user@example.com" {
					t.Errorf("form = %v", r.PostForm)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, nil)

			cred, err := p.MintServiceCredential(context.Background(), "user@example.com", "master")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.Value != tt.want {
				t.Errorf("value = %q, want %q", cred.Value, tt.want)
			}
			if cred.ExpiresAt.Unix() != 1893456000 {
				t.Errorf("expiry = %v", cred.ExpiresAt)
			}
		})
	}
}

func TestHTTPProviderMintBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"success", http.StatusOK, `{"access_token":"ya29.bearer","expires_in":3599}`, nil},
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, ErrBadCredential},
		{"unauthorized client", http.StatusUnauthorized, `{"error":"unauthorized_client"}`, ErrBadCredential},
		{"empty token", http.StatusOK, `{"expires_in":10}`, ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, nil, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			cred, err := p.MintBearerToken(context.Background(), "svc")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cred.Value != "ya29.bearer" {
				t.Errorf("value = %q", cred.Value)
			}
			if until := time.Until(cred.ExpiresAt); until < 50*time.Minute || until > time.Hour {
				t.Errorf("expiry in %v", until)
			}
		})
	}
}

func TestHTTPProviderUnexpectedErrorIsNotAuthFailure(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "Error=ServiceUnavailable\n")
	}, nil)

	_, err := p.MintServiceCredential(context.Background(), "u@example.com", "m")
	if err == nil || errors.Is(err, ErrBadCredential) {
		t.Fatalf("err = %v, want a non-credential failure", err)
	}
	if nova.IsAuthFailed(classifyProvider(opServiceCredential, err)) {
		t.Error("server error classified as auth failure")
	}
}

func TestProbe(t *testing.T) {
	p := newTestProvider(t,
		func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "Auth=svc\n") },
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"access_token":"bearer","expires_in":3600}`)
		})
	if err := Probe(context.Background(), p, "u@example.com", "m"); err != nil {
		t.Errorf("Probe: %v", err)
	}

	rejecting := newTestProvider(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "Error=BadAuthentication\n")
		}, nil)
	if err := Probe(context.Background(), rejecting, "u@example.com", "m"); !nova.IsAuthFailed(err) {
		t.Errorf("Probe err = %v, want AuthFailed", err)
	}
}
