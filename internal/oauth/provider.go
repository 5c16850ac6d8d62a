package oauth

import "net/url"

// Provider captures the per-provider pieces of the authorization-code flow:
// where the endpoints live, how requests are shaped, and how token responses
// are read. One Engine drives any Provider implementation.
type Provider interface {
	Name() string

	// AuthCodeURL builds the consent-page URL for the credential, carrying
	// the given CSRF state.
	AuthCodeURL(cred Credential, state string) string

	TokenEndpoint() string
	RevocationEndpoint() string

	// ExchangeParams returns the form body posted to the token endpoint to
	// trade an authorization code for a token.
	ExchangeParams(cred Credential, code string) url.Values

	// RefreshParams returns the form body posted to the token endpoint to
	// trade a refresh token for a new access token.
	RefreshParams(cred Credential, refreshToken string) url.Values

	// ParseTokenResponse decodes a token-endpoint response body. It must
	// fail with ErrMalformedResponse rather than return a zero-value token
	// when required fields are missing.
	ParseTokenResponse(body []byte) (TokenRecord, error)
}
