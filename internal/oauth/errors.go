package oauth

import "errors"

var (
	// Credential errors
	ErrNotInitialized = errors.New("client credential not initialized")

	// Token cache errors
	ErrUnauthorized = errors.New("no token for account")

	// Caller misuse errors
	ErrEmptyCode        = errors.New("authorization code is empty")
	ErrInvalidOperation = errors.New("no authorization flow in progress")

	// Remote exchange errors
	ErrExchangeFailed    = errors.New("authorization code exchange failed")
	ErrRefreshFailed     = errors.New("token refresh failed")
	ErrRevokeFailed      = errors.New("token revocation failed")
	ErrMalformedResponse = errors.New("token response missing expected fields")
)
