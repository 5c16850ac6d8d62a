// Package google implements the Gmail OAuth 2.0 provider.
package google

import (
	"encoding/json"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/mailfold/mailfold/internal/oauth"
)

const (
	// ProviderName identifies Gmail accounts in the account directory.
	ProviderName = "Gmail"

	// OOBRedirectURI is Google's special value for the manual copy/paste
	// flow used by native apps without a local callback server.
	// See: https://developers.google.com/identity/protocols/oauth2/native-app
	OOBRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

	revocationEndpoint = "https://oauth2.googleapis.com/revoke"
	userinfoEndpoint   = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// DefaultScopes cover reading mail plus the profile data shown in the
// account list. See: https://developers.google.com/gmail/api/auth/scopes
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Provider implements oauth.Provider for Google's OAuth 2.0 endpoints.
type Provider struct {
	redirectURI string
	scopes      []string
}

// New returns a Gmail provider. An empty redirectURI selects the manual
// out-of-band flow; nil scopes select DefaultScopes.
func New(redirectURI string, scopes []string) *Provider {
	if redirectURI == "" {
		redirectURI = OOBRedirectURI
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Provider{redirectURI: redirectURI, scopes: scopes}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) TokenEndpoint() string { return googleoauth.Endpoint.TokenURL }

func (p *Provider) RevocationEndpoint() string { return revocationEndpoint }

// AuthCodeURL builds the consent-page URL. Offline access is requested so
// the exchange yields a refresh token.
func (p *Provider) AuthCodeURL(cred oauth.Credential, state string) string {
	cfg := oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  p.redirectURI,
		Scopes:       p.scopes,
		Endpoint:     googleoauth.Endpoint,
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeParams shapes the code-for-token request body.
// See: https://developers.google.com/identity/protocols/oauth2/native-app
func (p *Provider) ExchangeParams(cred oauth.Credential, code string) url.Values {
	return url.Values{
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
		"code":          {code},
		"redirect_uri":  {p.redirectURI},
		"grant_type":    {"authorization_code"},
	}
}

// RefreshParams shapes the refresh-token request body.
func (p *Provider) RefreshParams(cred oauth.Credential, refreshToken string) url.Values {
	return url.Values{
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
}

// ParseTokenResponse decodes a token-endpoint response. access_token and
// token_type are required; expires_in stays nil when absent so the token is
// treated as already expired; refresh_token and scope are optional because
// refresh responses usually omit them.
func (p *Provider) ParseTokenResponse(body []byte) (oauth.TokenRecord, error) {
	var resp struct {
		AccessToken  *string `json:"access_token"`
		TokenType    *string `json:"token_type"`
		ExpiresIn    *int64  `json:"expires_in"`
		RefreshToken string  `json:"refresh_token"`
		Scope        string  `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return oauth.TokenRecord{}, fmt.Errorf("%w: %v", oauth.ErrMalformedResponse, err)
	}
	if resp.AccessToken == nil || *resp.AccessToken == "" {
		return oauth.TokenRecord{}, fmt.Errorf("%w: access_token", oauth.ErrMalformedResponse)
	}
	if resp.TokenType == nil || *resp.TokenType == "" {
		return oauth.TokenRecord{}, fmt.Errorf("%w: token_type", oauth.ErrMalformedResponse)
	}
	return oauth.TokenRecord{
		AccessToken:  *resp.AccessToken,
		TokenType:    *resp.TokenType,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		ExpiresIn:    resp.ExpiresIn,
	}, nil
}
