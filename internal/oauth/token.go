package oauth

import "time"

// TokenRecord holds the token material issued for one connected account.
// ExpiresIn is nil when the provider did not state a lifetime; such a token
// is never trusted as fresh and is refreshed before its next use.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
	ExpiresIn    *int64    `json:"expires_in,omitempty"`
	IssuedAt     time.Time `json:"issued_time"`
}

// ExpiredAt reports whether the token is expired at the given instant.
// A token with no stated lifetime always counts as expired, and the exact
// expiry boundary counts as expired.
func (t TokenRecord) ExpiredAt(now time.Time) bool {
	if t.ExpiresIn == nil {
		return true
	}
	return !now.Before(t.IssuedAt.Add(time.Duration(*t.ExpiresIn) * time.Second))
}

// Lifetime is a convenience for constructing the optional expires_in field.
func Lifetime(seconds int64) *int64 {
	return &seconds
}
