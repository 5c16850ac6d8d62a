// Package connection orchestrates the lifecycle of provider connections:
// starting and completing authorization flows, disconnecting accounts, and
// restoring persisted state at startup. It is UI-agnostic: it returns data
// and errors, and the presentation layer owns everything else.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/account"
	"github.com/mailfold/mailfold/internal/oauth"
	"github.com/mailfold/mailfold/internal/storage"
)

// ProfileClient fetches the provider-side identity for a new connection.
// It is only called inside CompleteAuthorization.
type ProfileClient interface {
	FetchAccountProfile(ctx context.Context, accessToken string) (account.Profile, error)
}

// Service bundles the flow engine and profile client for one provider.
type Service struct {
	Engine  *oauth.Engine
	Profile ProfileClient
}

// ErrUnknownProvider is returned when no service is registered under the
// requested provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// pendingFlow tracks a single authorization-code exchange that has been
// started but not yet completed. It is transient and never persisted.
type pendingFlow struct {
	provider  string
	accountID string
	state     string
	createdAt time.Time
}

// Manager is the public-facing connection orchestrator.
type Manager struct {
	store    storage.Store
	services map[string]Service

	mu       sync.Mutex
	accounts []account.Account
	pending  *pendingFlow

	now   func() time.Time
	newID func() string
}

// NewManager returns a manager over the given store and provider services.
func NewManager(store storage.Store, services map[string]Service) *Manager {
	return &Manager{
		store:    store,
		services: services,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func tokensCollection(provider string) string { return provider + "_tokens" }

const accountsCollection = "accounts"

// StartAuthorization issues the consent-page URI for the named provider and
// opens a pending flow. Starting a new flow discards any previous one.
func (m *Manager) StartAuthorization(provider string) (string, error) {
	svc, ok := m.services[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	state, err := newStateToken()
	if err != nil {
		return "", err
	}
	uri, err := svc.Engine.AuthorizationURI(state)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.pending = &pendingFlow{
		provider:  provider,
		accountID: m.newID(),
		state:     state,
		createdAt: m.now(),
	}
	m.mu.Unlock()

	return uri, nil
}

// CancelAuthorization discards the pending flow, if any, with no network
// effect.
func (m *Manager) CancelAuthorization() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// MatchState reports whether the given CSRF state belongs to the pending
// flow. Callback handlers check this before handing over the code.
func (m *Manager) MatchState(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil && state != "" && m.pending.state == state
}

// CompleteAuthorization exchanges the authorization code obtained out of
// band, fetches the remote profile, appends the new account to the
// directory, and persists both stores before returning. The blank-code and
// no-flow checks run before any network call.
func (m *Manager) CompleteAuthorization(ctx context.Context, code string) (account.Account, error) {
	if strings.TrimSpace(code) == "" {
		return account.Account{}, oauth.ErrEmptyCode
	}

	m.mu.Lock()
	flow := m.pending
	m.mu.Unlock()
	if flow == nil {
		return account.Account{}, oauth.ErrInvalidOperation
	}

	svc := m.services[flow.provider]

	// The flow is consumed whether or not the exchange succeeds; a failed
	// attempt requires starting over.
	defer func() {
		m.mu.Lock()
		if m.pending == flow {
			m.pending = nil
		}
		m.mu.Unlock()
	}()

	rec, err := svc.Engine.ExchangeCode(ctx, flow.accountID, code)
	if err != nil {
		return account.Account{}, err
	}

	profile, err := svc.Profile.FetchAccountProfile(ctx, rec.AccessToken)
	if err != nil {
		// Drop the freshly cached token so a failed connection leaves no
		// partial state behind.
		svc.Engine.Cache().Remove(flow.accountID)
		return account.Account{}, err
	}

	acc := account.Account{
		ID:              flow.accountID,
		Provider:        flow.provider,
		ProviderGivenID: profile.ProviderGivenID,
		DisplayName:     profile.DisplayName,
		Username:        profile.Username,
		PictureURI:      profile.PictureURI,
		Connected:       true,
		LastSynced:      m.now().UTC(),
	}

	m.mu.Lock()
	m.accounts = append(m.accounts, acc)
	m.mu.Unlock()

	if err := m.persist(flow.provider); err != nil {
		return account.Account{}, err
	}

	log.Printf("✅ Connected %s account %s (%s)", acc.Provider, acc.Username, acc.ID)
	return acc, nil
}

// Disconnect revokes the account's token and removes it from the directory.
// A remote rejection of the revocation keeps both the token and the account
// so the user can retry; an unreachable endpoint still cleans up locally.
// The bool reports whether an account was removed.
func (m *Manager) Disconnect(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	idx := -1
	for i, acc := range m.accounts {
		if acc.ID == accountID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false, nil
	}
	provider := m.accounts[idx].Provider
	m.mu.Unlock()

	svc, ok := m.services[provider]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	removed, err := svc.Engine.Revoke(ctx, accountID)
	if !removed && err != nil {
		return false, err
	}

	m.mu.Lock()
	for i, acc := range m.accounts {
		if acc.ID == accountID {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if perr := m.persist(provider); perr != nil {
		return true, perr
	}

	log.Printf("🗑 Disconnected account %s", accountID)
	// err still carries the revocation warning when the endpoint was
	// unreachable and cleanup proceeded locally.
	return true, err
}

// RestoreOnStartup loads the persisted token caches and account directory,
// repairs connected accounts whose tokens went missing by marking them
// disconnected, and returns the directory for display.
func (m *Manager) RestoreOnStartup(ctx context.Context) ([]account.Account, error) {
	accounts, err := m.store.LoadAccounts(accountsCollection)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}

	for provider, svc := range m.services {
		tokens, err := m.store.LoadTokenCache(tokensCollection(provider))
		if err != nil {
			return nil, fmt.Errorf("loading %s tokens: %w", provider, err)
		}
		svc.Engine.Cache().Replace(tokens)
	}

	repaired := false
	for i := range accounts {
		if !accounts[i].Connected {
			continue
		}
		svc, ok := m.services[accounts[i].Provider]
		if !ok || !svc.Engine.Cache().IsAuthorized(accounts[i].ID) {
			log.Printf("⚠️ Account %s (%s) marked connected but has no token, repairing", accounts[i].ID, accounts[i].Username)
			accounts[i].Connected = false
			repaired = true
		}
	}

	m.mu.Lock()
	m.accounts = accounts
	m.mu.Unlock()

	if repaired {
		if err := m.store.SaveAccounts(accountsCollection, accounts); err != nil {
			return nil, fmt.Errorf("saving repaired accounts: %w", err)
		}
	}

	log.Printf("📦 Restored %d account(s)", len(accounts))
	return m.Accounts(), nil
}

// Accounts returns a copy of the current account directory.
func (m *Manager) Accounts() []account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]account.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// GetValidAccessToken returns a currently valid access token and its type
// for the account, refreshing first if needed. This is the entry point for
// any authenticated request path built on top of the core.
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID string) (string, string, error) {
	svc, err := m.serviceFor(accountID)
	if err != nil {
		return "", "", err
	}
	return svc.Engine.GetValidAccessToken(ctx, accountID)
}

// RefreshAccount forces a refresh exchange for the account and persists the
// updated token snapshot.
func (m *Manager) RefreshAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	provider := ""
	for _, acc := range m.accounts {
		if acc.ID == accountID {
			provider = acc.Provider
			break
		}
	}
	m.mu.Unlock()
	if provider == "" {
		return oauth.ErrUnauthorized
	}

	svc := m.services[provider]
	if _, err := svc.Engine.Refresh(ctx, accountID); err != nil {
		return err
	}
	return m.store.SaveTokenCache(tokensCollection(provider), svc.Engine.Cache().Snapshot())
}

func (m *Manager) serviceFor(accountID string) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == accountID {
			if svc, ok := m.services[acc.Provider]; ok {
				return svc, nil
			}
			return Service{}, fmt.Errorf("%w: %s", ErrUnknownProvider, acc.Provider)
		}
	}
	// Fall back to any engine that holds a token for the account; restored
	// tokens may outlive directory edits in progress.
	for _, svc := range m.services {
		if svc.Engine.Cache().IsAuthorized(accountID) {
			return svc, nil
		}
	}
	return Service{}, oauth.ErrUnauthorized
}

func (m *Manager) persist(provider string) error {
	svc := m.services[provider]
	if err := m.store.SaveTokenCache(tokensCollection(provider), svc.Engine.Cache().Snapshot()); err != nil {
		return fmt.Errorf("saving token cache: %w", err)
	}
	if err := m.store.SaveAccounts(accountsCollection, m.Accounts()); err != nil {
		return fmt.Errorf("saving accounts: %w", err)
	}
	return nil
}

func newStateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
