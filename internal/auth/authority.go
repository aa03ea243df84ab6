// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/locus/internal/cache"
	"github.com/tomtom215/locus/internal/logging"
	"github.com/tomtom215/locus/internal/metrics"
	"github.com/tomtom215/locus/internal/nova"
)

// DefaultRefreshSkew is how long before expiry a cached bearer token is
// treated as stale.
const DefaultRefreshSkew = 60 * time.Second

// Cache keys inside the account cache.
const (
	keyBearer  = "auth/bearer"
	keyService = "auth/service"
)

// Operation names used in classified errors.
const (
	opServiceCredential = "auth.service_credential"
	opBearerToken       = "auth.bearer_token"
	opCache             = "auth.cache"
)

// Token resolution sources, recorded in metrics.
const (
	sourceOverride = "override"
	sourceCache    = "cache"
	sourceService  = "service_credential"
	sourceMaster   = "master_credential"
	sourceFailed   = "failed"
)

// Config configures an Authority.
type Config struct {
	AccountID        string
	Email            string
	MasterCredential string
	Provider         IdentityProvider
	Cache            cache.AccountCache
	// RefreshSkew defaults to DefaultRefreshSkew.
	RefreshSkew time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// ResolveOptions tune a single resolution.
type ResolveOptions struct {
	// Override is used as-is when non-empty.
	Override string
}

// Authority resolves bearer tokens for one account. Resolution is serialized
// per account so concurrent callers never mint twice.
type Authority struct {
	accountID string
	email     string
	master    string
	owner     string
	provider  IdentityProvider
	cache     cache.AccountCache
	skew      time.Duration
	now       func() time.Time

	mu sync.Mutex
}

// New creates an Authority.
func New(cfg Config) (*Authority, error) {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("auth: account id is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("auth: identity provider is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("auth: account cache is required")
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	master := strings.TrimSpace(cfg.MasterCredential)
	return &Authority{
		accountID: cfg.AccountID,
		email:     cfg.Email,
		master:    master,
		owner:     fingerprint(cfg.Email, master),
		provider:  cfg.Provider,
		cache:     cfg.Cache,
		skew:      cfg.RefreshSkew,
		now:       cfg.Now,
	}, nil
}

// AccountID returns the account this authority serves.
func (a *Authority) AccountID() string { return a.accountID }

// BearerToken resolves a token without an override. It satisfies
// nova.TokenSource.
func (a *Authority) BearerToken(ctx context.Context) (string, error) {
	return a.ResolveBearerToken(ctx, ResolveOptions{})
}

// ResolveBearerToken walks the credential chain: override, cached bearer,
// bearer minted from the cached service credential, and finally a fresh
// service credential minted from the master credential. Provider rejections
// are classified nova.KindAuthFailed and leave the cache untouched.
func (a *Authority) ResolveBearerToken(ctx context.Context, opts ResolveOptions) (string, error) {
	if tok := strings.TrimSpace(opts.Override); tok != "" {
		metrics.TokenResolutions.WithLabelValues(sourceOverride).Inc()
		return tok, nil
	}

	ctx = logging.ContextWithAccount(ctx, a.accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	tok, source, err := a.resolve(ctx)
	if err != nil {
		metrics.TokenResolutions.WithLabelValues(sourceFailed).Inc()
		return "", err
	}
	metrics.TokenResolutions.WithLabelValues(source).Inc()
	return tok, nil
}

func (a *Authority) resolve(ctx context.Context) (string, string, error) {
	log := logging.Ctx(ctx)

	bearer, ok, err := a.load(ctx, keyBearer)
	if err != nil {
		return "", "", err
	}
	if ok && a.fresh(bearer) {
		return bearer.Value, sourceCache, nil
	}

	service, ok, err := a.load(ctx, keyService)
	if err != nil {
		return "", "", err
	}
	if ok {
		tok, err := a.mintBearer(ctx, service.Value)
		if err == nil {
			return tok, sourceService, nil
		}
		if !nova.IsAuthFailed(err) {
			return "", "", err
		}
		log.Debug().Err(err).Msg("cached service credential rejected, re-minting from master credential")
		if err := a.cache.Delete(ctx, keyService); err != nil {
			return "", "", a.cacheError(err)
		}
	}

	if a.master == "" {
		return "", "", &nova.Error{Kind: nova.KindAuthFailed, Op: opServiceCredential, Err: ErrMissingToken}
	}
	svc, err := a.provider.MintServiceCredential(ctx, a.email, a.master)
	if err != nil {
		return "", "", classifyProvider(opServiceCredential, err)
	}
	if strings.TrimSpace(svc.Value) == "" {
		return "", "", &nova.Error{Kind: nova.KindAuthFailed, Op: opServiceCredential, Err: ErrMissingToken}
	}

	// Mint the bearer before persisting anything so a rejected service
	// credential never reaches the cache.
	tok, err := a.mintBearer(ctx, svc.Value)
	if err != nil {
		return "", "", err
	}
	if err := a.persist(ctx, keyService, svc); err != nil {
		return "", "", err
	}
	log.Debug().Msg("minted service credential from master credential")
	return tok, sourceMaster, nil
}

func (a *Authority) mintBearer(ctx context.Context, service string) (string, error) {
	cred, err := a.provider.MintBearerToken(ctx, service)
	if err != nil {
		return "", classifyProvider(opBearerToken, err)
	}
	if strings.TrimSpace(cred.Value) == "" {
		return "", &nova.Error{Kind: nova.KindAuthFailed, Op: opBearerToken, Err: ErrMissingToken}
	}
	if err := a.persist(ctx, keyBearer, cred); err != nil {
		return "", err
	}
	return cred.Value, nil
}

// Invalidate drops the cached bearer and service credential so the next
// resolution starts from the master credential.
func (a *Authority) Invalidate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, key := range []string{keyBearer, keyService} {
		if err := a.cache.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return a.cacheError(err)
	}
	return nil
}

// fresh reports whether c outlives the refresh skew. Credentials without an
// expiry are never considered fresh.
func (a *Authority) fresh(c Credential) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(a.now()) > a.skew
}

func (a *Authority) load(ctx context.Context, key string) (Credential, bool, error) {
	var c Credential
	ok, err := cache.GetJSON(ctx, a.cache, key, &c)
	if err != nil {
		return Credential{}, false, a.cacheError(err)
	}
	if !ok || strings.TrimSpace(c.Value) == "" {
		return Credential{}, false, nil
	}
	if c.Owner != a.owner {
		// Minted for other credentials under the same account id.
		logging.Ctx(ctx).Debug().Str("key", key).Msg("discarding credential minted for another login")
		if err := a.cache.Delete(ctx, key); err != nil {
			return Credential{}, false, a.cacheError(err)
		}
		return Credential{}, false, nil
	}
	return c, true, nil
}

// persist writes a credential unless it looks like a single-use install
// token.
func (a *Authority) persist(ctx context.Context, key string, c Credential) error {
	if LooksLikeJWT(c.Value) {
		metrics.TokenPersistenceRefused.Inc()
		logging.Ctx(ctx).Debug().Str("key", key).Str("credential", logging.SanitizeToken(c.Value)).
			Msg("refusing to persist JWT-shaped credential")
		return nil
	}
	return a.store(ctx, key, c)
}

func (a *Authority) store(ctx context.Context, key string, c Credential) error {
	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = c.ExpiresAt.Sub(a.now())
		if ttl <= 0 {
			return nil
		}
	}
	c.Owner = a.owner
	if err := cache.SetJSON(ctx, a.cache, key, c, ttl); err != nil {
		return a.cacheError(err)
	}
	return nil
}

// fingerprint identifies the login a cached credential belongs to.
func fingerprint(email, master string) string {
	sum := sha256.Sum256([]byte(email + "\x00" + master))
	return hex.EncodeToString(sum[:16])
}

// cacheError keeps ErrUnscopedCache visible to the request layer's guard.
func (a *Authority) cacheError(err error) error {
	return nova.Classify(opCache, fmt.Errorf("account %s: %w", a.accountID, err))
}

// classifyProvider normalizes identity provider failures.
func classifyProvider(op string, err error) error {
	if errors.Is(err, ErrBadCredential) || errors.Is(err, ErrMissingToken) {
		return &nova.Error{Kind: nova.KindAuthFailed, Op: op, Err: err}
	}
	return nova.Classify(op, err)
}

// LooksLikeJWT reports whether s is shaped like a JSON Web Token. Signatures
// are not verified.
func LooksLikeJWT(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Count(s, ".") != 2 {
		return false
	}
	_, _, err := jwt.NewParser().ParseUnverified(s, jwt.MapClaims{})
	return err == nil
}
