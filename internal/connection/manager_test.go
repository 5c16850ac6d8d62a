package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mailfold/mailfold/internal/account"
	"github.com/mailfold/mailfold/internal/oauth"
	"github.com/mailfold/mailfold/internal/storage"
)

// stubProvider is a provider whose endpoints point at a local test server.
type stubProvider struct {
	tokenURL  string
	revokeURL string
}

func (p stubProvider) Name() string { return "Gmail" }

func (p stubProvider) AuthCodeURL(cred oauth.Credential, state string) string {
	return "https://auth.test/consent?client_id=" + url.QueryEscape(cred.ClientID) + "&state=" + url.QueryEscape(state)
}

func (p stubProvider) TokenEndpoint() string { return p.tokenURL }

func (p stubProvider) RevocationEndpoint() string { return p.revokeURL }

func (p stubProvider) ExchangeParams(cred oauth.Credential, code string) url.Values {
	return url.Values{"code": {code}, "grant_type": {"authorization_code"}}
}

func (p stubProvider) RefreshParams(cred oauth.Credential, refreshToken string) url.Values {
	return url.Values{"refresh_token": {refreshToken}, "grant_type": {"refresh_token"}}
}

func (p stubProvider) ParseTokenResponse(body []byte) (oauth.TokenRecord, error) {
	var resp struct {
		AccessToken  *string `json:"access_token"`
		TokenType    *string `json:"token_type"`
		ExpiresIn    *int64  `json:"expires_in"`
		RefreshToken string  `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return oauth.TokenRecord{}, fmt.Errorf("%w: %v", oauth.ErrMalformedResponse, err)
	}
	if resp.AccessToken == nil || resp.TokenType == nil {
		return oauth.TokenRecord{}, fmt.Errorf("%w: access_token/token_type", oauth.ErrMalformedResponse)
	}
	return oauth.TokenRecord{
		AccessToken:  *resp.AccessToken,
		TokenType:    *resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
	}, nil
}

// stubOAuthServer plays the provider's token and revocation endpoints.
type stubOAuthServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	exchangeCalls int
	refreshCalls  int
	revokeCalls   int
	failExchange  bool
	failRefresh   bool
	failRevoke    bool
}

func newStubOAuthServer(t *testing.T) *stubOAuthServer {
	t.Helper()
	s := &stubOAuthServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.PostFormValue("grant_type") {
		case "authorization_code":
			s.exchangeCalls++
			if s.failExchange {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			fmt.Fprintf(w, `{"access_token":"access-%s","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-1"}`, r.PostFormValue("code"))
		case "refresh_token":
			s.refreshCalls++
			if s.failRefresh {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"access_token":"access-refreshed","token_type":"Bearer","expires_in":3600}`)
		default:
			http.Error(w, "unknown grant_type", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.revokeCalls++
		if s.failRevoke {
			http.Error(w, "revocation refused", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "{}")
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubOAuthServer) calls() (exchange, refresh, revoke int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeCalls, s.refreshCalls, s.revokeCalls
}

type fakeProfileClient struct {
	err   error
	calls int
}

func (f *fakeProfileClient) FetchAccountProfile(ctx context.Context, accessToken string) (account.Profile, error) {
	f.calls++
	if f.err != nil {
		return account.Profile{}, f.err
	}
	return account.Profile{
		ProviderGivenID: "g-123",
		Username:        "user@gmail.com",
		DisplayName:     "A User",
		PictureURI:      "https://pic",
	}, nil
}

type fixture struct {
	mgr     *Manager
	engine  *oauth.Engine
	store   *storage.SQLiteStore
	server  *stubOAuthServer
	profile *fakeProfileClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := newStubOAuthServer(t)

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	holder := &oauth.CredentialHolder{}
	holder.Initialize(oauth.Credential{ClientID: "client-1", ClientSecret: "secret-1"})

	engine := oauth.NewEngine(stubProvider{
		tokenURL:  server.srv.URL + "/token",
		revokeURL: server.srv.URL + "/revoke",
	}, holder, oauth.NewCache(), oauth.NewHTTPTransport())

	profile := &fakeProfileClient{}
	mgr := NewManager(store, map[string]Service{
		"Gmail": {Engine: engine, Profile: profile},
	})

	return &fixture{mgr: mgr, engine: engine, store: store, server: server, profile: profile}
}

func (f *fixture) connect(t *testing.T) account.Account {
	t.Helper()
	if _, err := f.mgr.StartAuthorization("Gmail"); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	acc, err := f.mgr.CompleteAuthorization(context.Background(), "goodcode")
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	return acc
}

func TestStartAuthorization(t *testing.T) {
	f := newFixture(t)

	uri, err := f.mgr.StartAuthorization("Gmail")
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse %q: %v", uri, err)
	}
	if parsed.Query().Get("client_id") != "client-1" {
		t.Fatalf("URI missing client id: %q", uri)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatalf("URI missing state: %q", uri)
	}
	if !f.mgr.MatchState(state) {
		t.Fatal("issued state should match the pending flow")
	}
	if f.mgr.MatchState("forged") {
		t.Fatal("forged state must not match")
	}
}

func TestStartAuthorizationUnknownProvider(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.StartAuthorization("Fastmail"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestCompleteAuthorizationHappyPath(t *testing.T) {
	f := newFixture(t)

	acc := f.connect(t)
	if !acc.Connected {
		t.Fatal("new account should be connected")
	}
	if acc.Provider != "Gmail" || acc.Username != "user@gmail.com" || acc.ProviderGivenID != "g-123" {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if !f.engine.Cache().IsAuthorized(acc.ID) {
		t.Fatal("token should be in the cache")
	}

	// Both stores must be persisted before CompleteAuthorization returns.
	saved, err := f.store.LoadAccounts("accounts")
	if err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if len(saved) != 1 || saved[0].ID != acc.ID {
		t.Fatalf("account not persisted: %+v", saved)
	}
	tokens, err := f.store.LoadTokenCache("Gmail_tokens")
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if _, ok := tokens[acc.ID]; !ok {
		t.Fatalf("token not persisted: %+v", tokens)
	}
}

func TestCompleteAuthorizationEmptyCode(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.StartAuthorization("Gmail"); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	if _, err := f.mgr.CompleteAuthorization(context.Background(), "   "); !errors.Is(err, oauth.ErrEmptyCode) {
		t.Fatalf("expected ErrEmptyCode, got %v", err)
	}
	if ex, _, _ := f.server.calls(); ex != 0 {
		t.Fatalf("empty code must be rejected before any network call, saw %d", ex)
	}
}

func TestCompleteAuthorizationWithoutFlow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.CompleteAuthorization(context.Background(), "goodcode"); !errors.Is(err, oauth.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if ex, _, _ := f.server.calls(); ex != 0 {
		t.Fatalf("no flow means no network call, saw %d", ex)
	}
}

func TestCompleteAuthorizationExchangeFails(t *testing.T) {
	f := newFixture(t)
	f.server.failExchange = true

	if _, err := f.mgr.StartAuthorization("Gmail"); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	if _, err := f.mgr.CompleteAuthorization(context.Background(), "badcode"); !errors.Is(err, oauth.ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed, got %v", err)
	}
	if len(f.mgr.Accounts()) != 0 {
		t.Fatal("failed exchange must not create an account")
	}

	// The flow is consumed by the failed attempt.
	if _, err := f.mgr.CompleteAuthorization(context.Background(), "badcode"); !errors.Is(err, oauth.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation after consumed flow, got %v", err)
	}
}

func TestCompleteAuthorizationProfileFetchFails(t *testing.T) {
	f := newFixture(t)
	f.profile.err = errors.New("userinfo unavailable")

	if _, err := f.mgr.StartAuthorization("Gmail"); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	if _, err := f.mgr.CompleteAuthorization(context.Background(), "goodcode"); err == nil {
		t.Fatal("expected profile fetch error")
	}
	if f.engine.Cache().Len() != 0 {
		t.Fatal("failed connection must not leave a cached token behind")
	}
	if len(f.mgr.Accounts()) != 0 {
		t.Fatal("failed connection must not create an account")
	}
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.StartAuthorization("Gmail"); err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	f.mgr.CancelAuthorization()

	if _, err := f.mgr.CompleteAuthorization(context.Background(), "goodcode"); !errors.Is(err, oauth.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation after cancel, got %v", err)
	}
	if ex, _, _ := f.server.calls(); ex != 0 {
		t.Fatalf("cancellation has no network effect, saw %d calls", ex)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t)

	removed, err := f.mgr.Disconnect(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !removed {
		t.Fatal("expected a removal")
	}
	if f.engine.Cache().IsAuthorized(acc.ID) {
		t.Fatal("token should be gone")
	}
	if len(f.mgr.Accounts()) != 0 {
		t.Fatal("account should be gone")
	}

	saved, _ := f.store.LoadAccounts("accounts")
	if len(saved) != 0 {
		t.Fatal("removal should be persisted")
	}

	// Second disconnect is a no-op with no further network traffic.
	_, _, revokesBefore := f.server.calls()
	removed, err = f.mgr.Disconnect(context.Background(), acc.ID)
	if err != nil || removed {
		t.Fatalf("expected (false, nil), got (%v, %v)", removed, err)
	}
	if _, _, revokes := f.server.calls(); revokes != revokesBefore {
		t.Fatalf("idempotent disconnect must not call the network, %d -> %d", revokesBefore, revokes)
	}
}

func TestDisconnectRevokeRejected(t *testing.T) {
	f := newFixture(t)
	acc := f.connect(t)
	f.server.failRevoke = true

	removed, err := f.mgr.Disconnect(context.Background(), acc.ID)
	if removed {
		t.Fatal("rejected revocation must keep the account")
	}
	if !errors.Is(err, oauth.ErrRevokeFailed) {
		t.Fatalf("expected ErrRevokeFailed, got %v", err)
	}
	if !f.engine.Cache().IsAuthorized(acc.ID) {
		t.Fatal("token record should remain for a retry")
	}
	if len(f.mgr.Accounts()) != 1 {
		t.Fatal("account should remain for a retry")
	}
}

func TestRestoreOnStartupRepairsOrphans(t *testing.T) {
	f := newFixture(t)

	accounts := []account.Account{
		{ID: "acc-ok", Provider: "Gmail", Username: "ok@gmail.com", Connected: true},
		{ID: "acc-orphan", Provider: "Gmail", Username: "orphan@gmail.com", Connected: true},
		{ID: "acc-off", Provider: "Gmail", Username: "off@gmail.com", Connected: false},
	}
	if err := f.store.SaveAccounts("accounts", accounts); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	tokens := map[string]oauth.TokenRecord{
		"acc-ok": {AccessToken: "a1", TokenType: "Bearer", RefreshToken: "r1", ExpiresIn: oauth.Lifetime(3600), IssuedAt: time.Now().UTC()},
	}
	if err := f.store.SaveTokenCache("Gmail_tokens", tokens); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	restored, err := f.mgr.RestoreOnStartup(context.Background())
	if err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(restored))
	}

	byID := map[string]account.Account{}
	for _, acc := range restored {
		byID[acc.ID] = acc
	}
	if !byID["acc-ok"].Connected {
		t.Fatal("account with a token should stay connected")
	}
	if byID["acc-orphan"].Connected {
		t.Fatal("orphaned account should be repaired to disconnected")
	}
	if byID["acc-off"].Connected {
		t.Fatal("disconnected account should stay disconnected")
	}

	// The repair is persisted.
	saved, _ := f.store.LoadAccounts("accounts")
	for _, acc := range saved {
		if acc.ID == "acc-orphan" && acc.Connected {
			t.Fatal("repair was not persisted")
		}
	}

	if !f.engine.Cache().IsAuthorized("acc-ok") {
		t.Fatal("restored token should be usable")
	}
}

func TestGetValidAccessTokenAfterRestore(t *testing.T) {
	f := newFixture(t)

	if err := f.store.SaveAccounts("accounts", []account.Account{
		{ID: "acc-1", Provider: "Gmail", Username: "user@gmail.com", Connected: true},
	}); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	// Expired token: a refresh must happen before first use.
	if err := f.store.SaveTokenCache("Gmail_tokens", map[string]oauth.TokenRecord{
		"acc-1": {AccessToken: "stale", TokenType: "Bearer", RefreshToken: "r1", ExpiresIn: oauth.Lifetime(60), IssuedAt: time.Now().UTC().Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}
	if _, err := f.mgr.RestoreOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}

	access, typ, err := f.mgr.GetValidAccessToken(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if access != "access-refreshed" || typ != "Bearer" {
		t.Fatalf("unexpected token: %s %s", typ, access)
	}
	if _, refreshes, _ := f.server.calls(); refreshes != 1 {
		t.Fatalf("expected one refresh exchange, saw %d", refreshes)
	}
}

func TestGetValidAccessTokenRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.server.failRefresh = true

	expired := oauth.TokenRecord{AccessToken: "stale", TokenType: "Bearer", RefreshToken: "r1", ExpiresIn: oauth.Lifetime(60), IssuedAt: time.Now().UTC().Add(-time.Hour)}
	if err := f.store.SaveAccounts("accounts", []account.Account{
		{ID: "acc-1", Provider: "Gmail", Username: "user@gmail.com", Connected: true},
	}); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	if err := f.store.SaveTokenCache("Gmail_tokens", map[string]oauth.TokenRecord{"acc-1": expired}); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}
	if _, err := f.mgr.RestoreOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}

	if _, _, err := f.mgr.GetValidAccessToken(context.Background(), "acc-1"); !errors.Is(err, oauth.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	// The expired record stays untouched for a later retry.
	rec, err := f.engine.Cache().Get("acc-1")
	if err != nil {
		t.Fatalf("record should survive: %v", err)
	}
	if rec.AccessToken != "stale" || rec.RefreshToken != "r1" {
		t.Fatalf("failed refresh mutated the record: %+v", rec)
	}
}
