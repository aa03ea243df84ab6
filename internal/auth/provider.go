// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/logging"
)

var (
	// ErrBadCredential means the identity provider rejected a credential.
	ErrBadCredential = errors.New("auth: credential rejected by identity provider")

	// ErrMissingToken means the provider answered without a usable token.
	ErrMissingToken = errors.New("auth: identity provider returned no token")
)

// Credential is a minted secret. A zero ExpiresAt means no known expiry.
type Credential struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Owner fingerprints the email and master credential a cached
	// credential was minted from. Providers leave it empty.
	Owner string `json:"owner,omitempty"`
}

// IdentityProvider mints credentials. Rejections wrap ErrBadCredential or
// ErrMissingToken; anything else is treated as a transport failure.
type IdentityProvider interface {
	MintServiceCredential(ctx context.Context, email, master string) (Credential, error)
	MintBearerToken(ctx context.Context, serviceCredential string) (Credential, error)
}

// HTTPProviderConfig configures HTTPProvider.
type HTTPProviderConfig struct {
	AuthURL  string
	TokenURL string
	// Service is the OAuth scope requested for bearer tokens.
	Service string
	// App identifies the calling application.
	App        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPProvider talks to the identity provider over form-encoded POSTs. The
// auth endpoint answers with key=value lines, the token endpoint with JSON.
type HTTPProvider struct {
	cfg  HTTPProviderConfig
	http *http.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPProvider{cfg: cfg, http: hc}
}

const maxProviderBody = 64 * 1024

// rejectionCodes are Error= values that mean the master credential is no
// longer usable.
var rejectionCodes = map[string]bool{
	"badauthentication": true,
	"needsbrowser":      true,
	"missingtoken":      true,
}

// MintServiceCredential exchanges the master credential for a service
// credential.
func (p *HTTPProvider) MintServiceCredential(ctx context.Context, email, master string) (Credential, error) {
	form := url.Values{
		"Email":  {email},
		"Token":  {master},
		"app":    {p.cfg.App},
		"client": {"locus"},
	}
	status, body, err := p.post(ctx, p.cfg.AuthURL, form)
	if err != nil {
		return Credential{}, err
	}

	fields := parseKeyValue(body)
	if code := fields["error"]; code != "" {
		if rejectionCodes[strings.ToLower(code)] {
			return Credential{}, fmt.Errorf("%w: %s", ErrBadCredential, code)
		}
		return Credential{}, fmt.Errorf("identity provider error %q (status %d)", logging.TruncateMessage(code), status)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Credential{}, fmt.Errorf("%w: status %d", ErrBadCredential, status)
	}
	if status != http.StatusOK {
		return Credential{}, fmt.Errorf("identity provider returned status %d", status)
	}

	value := fields["auth"]
	if value == "" {
		return Credential{}, ErrMissingToken
	}
	cred := Credential{Value: value}
	if exp, err := strconv.ParseInt(fields["expiry"], 10, 64); err == nil && exp > 0 {
		cred.ExpiresAt = time.Unix(exp, 0)
	}
	return cred, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

// MintBearerToken exchanges a service credential for a short-lived bearer.
func (p *HTTPProvider) MintBearerToken(ctx context.Context, serviceCredential string) (Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {serviceCredential},
		"scope":         {p.cfg.Service},
		"app":           {p.cfg.App},
	}
	issued := time.Now()
	status, body, err := p.post(ctx, p.cfg.TokenURL, form)
	if err != nil {
		return Credential{}, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return Credential{}, fmt.Errorf("%w: status %d", ErrBadCredential, status)
		}
		return Credential{}, fmt.Errorf("decode token response (status %d): %w", status, err)
	}
	switch resp.Error {
	case "":
	case "invalid_grant", "unauthorized_client":
		return Credential{}, fmt.Errorf("%w: %s", ErrBadCredential, resp.Error)
	default:
		return Credential{}, fmt.Errorf("token endpoint error %q (status %d)", logging.TruncateMessage(resp.Error), status)
	}
	if status != http.StatusOK {
		return Credential{}, fmt.Errorf("token endpoint returned status %d", status)
	}
	if resp.AccessToken == "" {
		return Credential{}, ErrMissingToken
	}
	cred := Credential{Value: resp.AccessToken}
	if resp.ExpiresIn > 0 {
		cred.ExpiresAt = issued.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return cred, nil
}

func (p *HTTPProvider) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "locus/1.0")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// parseKeyValue reads key=value lines. Keys are lower-cased.
func parseKeyValue(body []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// Probe runs the full chain once against a private cache, for validating
// credentials before an account is registered. A rejection is classified
// nova.KindAuthFailed.
func Probe(ctx context.Context, provider IdentityProvider, email, master string) error {
	probeID := "probe-" + logging.GenerateCorrelationID()
	a, err := New(Config{
		AccountID:        probeID,
		Email:            email,
		MasterCredential: master,
		Provider:         provider,
		Cache:            cache.NewEphemeral(probeID),
	})
	if err != nil {
		return err
	}
	_, err = a.BearerToken(ctx)
	return err
}
