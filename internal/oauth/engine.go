package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"
)

// Engine drives the authorization-code, refresh, and revocation exchanges
// for one provider. All per-provider variation lives behind the Provider
// interface; the engine owns the token cache and the refresh gate.
type Engine struct {
	provider  Provider
	holder    *CredentialHolder
	cache     *Cache
	transport Transport
	gate      refreshGate
	now       func() time.Time
}

// NewEngine wires an engine for the given provider. The holder may be
// initialized later; operations before that fail with ErrNotInitialized.
func NewEngine(provider Provider, holder *CredentialHolder, cache *Cache, transport Transport) *Engine {
	return &Engine{
		provider:  provider,
		holder:    holder,
		cache:     cache,
		transport: transport,
		now:       time.Now,
	}
}

// ProviderName returns the name of the provider this engine serves.
func (e *Engine) ProviderName() string {
	return e.provider.Name()
}

// Cache exposes the engine's token cache for persistence snapshots.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// AuthorizationURI builds the consent-page URL carrying the given CSRF
// state. Fails with ErrNotInitialized before the credential is set.
func (e *Engine) AuthorizationURI(state string) (string, error) {
	cred, err := e.holder.Get()
	if err != nil {
		return "", err
	}
	return e.provider.AuthCodeURL(cred, state), nil
}

// ExchangeCode trades an authorization code for a token and caches it under
// the given account ID. The issued-at instant is always stamped locally: a
// brand-new token's provider-side issue time is never trusted. On any
// failure the cache is left untouched.
func (e *Engine) ExchangeCode(ctx context.Context, accountID, code string) (TokenRecord, error) {
	cred, err := e.holder.Get()
	if err != nil {
		return TokenRecord{}, err
	}

	body, err := e.transport.PostForm(ctx, e.provider.TokenEndpoint(), e.provider.ExchangeParams(cred, code))
	if err != nil {
		return TokenRecord{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	rec, err := e.provider.ParseTokenResponse(body)
	if err != nil {
		return TokenRecord{}, err
	}
	rec.IssuedAt = e.now().UTC()

	e.cache.Put(accountID, rec)
	return rec, nil
}

// GetValidAccessToken is the single entry point for the authenticated
// request path. It returns the current access token and its type, running a
// gated refresh first when the cached token is expired.
func (e *Engine) GetValidAccessToken(ctx context.Context, accountID string) (string, string, error) {
	expired, err := e.cache.IsExpired(accountID)
	if err != nil {
		return "", "", err
	}
	if expired {
		if _, err := e.Refresh(ctx, accountID); err != nil {
			return "", "", err
		}
	}

	rec, err := e.cache.Get(accountID)
	if err != nil {
		return "", "", err
	}
	return rec.AccessToken, rec.TokenType, nil
}

// Refresh exchanges the account's refresh token for a new access token.
// Concurrent callers for the same account share a single exchange; every
// waiter observes the same result. On failure the cached record is left
// exactly as it was.
func (e *Engine) Refresh(ctx context.Context, accountID string) (TokenRecord, error) {
	return e.gate.do(accountID, func() (TokenRecord, error) {
		return e.refresh(ctx, accountID)
	})
}

func (e *Engine) refresh(ctx context.Context, accountID string) (TokenRecord, error) {
	cred, err := e.holder.Get()
	if err != nil {
		return TokenRecord{}, err
	}
	current, err := e.cache.Get(accountID)
	if err != nil {
		return TokenRecord{}, err
	}

	body, err := e.transport.PostForm(ctx, e.provider.TokenEndpoint(), e.provider.RefreshParams(cred, current.RefreshToken))
	if err != nil {
		return TokenRecord{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	fresh, err := e.provider.ParseTokenResponse(body)
	if err != nil {
		return TokenRecord{}, err
	}

	updated := current
	updated.AccessToken = fresh.AccessToken
	updated.ExpiresIn = fresh.ExpiresIn
	updated.IssuedAt = e.now().UTC()
	if fresh.TokenType != "" {
		updated.TokenType = fresh.TokenType
	}
	if fresh.Scope != "" {
		updated.Scope = fresh.Scope
	}
	// Providers that rotate refresh tokens send a replacement; otherwise the
	// stored one stays valid.
	if fresh.RefreshToken != "" && fresh.RefreshToken != current.RefreshToken {
		log.Printf("🔄 Rotating refresh token for account %s", accountID)
		updated.RefreshToken = fresh.RefreshToken
	}

	e.cache.Put(accountID, updated)
	return updated, nil
}

// Revoke invalidates the account's token at the provider and drops it from
// the cache. The remote call is best-effort for unreachable endpoints: a
// transport failure or timeout still clears local state, while an explicit
// remote rejection keeps it so the caller can retry. The bool reports
// whether a local entry was removed.
func (e *Engine) Revoke(ctx context.Context, accountID string) (bool, error) {
	rec, err := e.cache.Get(accountID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}

	params := url.Values{"token": {rec.AccessToken}}
	if _, err := e.transport.PostForm(ctx, e.provider.RevocationEndpoint(), params); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			// The provider refused the revocation; keep the token so the
			// user can retry rather than being stranded half-disconnected.
			return false, fmt.Errorf("%w: %v", ErrRevokeFailed, err)
		}
		log.Printf("⚠️ Revocation endpoint unreachable for account %s, clearing local token anyway: %v", accountID, err)
		return e.cache.Remove(accountID), fmt.Errorf("%w: %v", ErrRevokeFailed, err)
	}

	return e.cache.Remove(accountID), nil
}
