// Package account holds the durable record of a user's connection to a mail
// provider identity, kept separate from the token secrets that authorize it.
package account

import "time"

// Account is one connected provider identity. ID is assigned locally and
// stays stable for the app's lifetime; it is also the key into the token
// cache. Connected may be false for an account whose authorization was lost
// but whose profile is retained.
type Account struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	ProviderGivenID  string    `json:"provider_given_id"`
	DisplayName      string    `json:"display_name"`
	Username         string    `json:"username"`
	PictureURI       string    `json:"picture_uri"`
	CachedPictureURI string    `json:"cached_picture_uri"`
	Connected        bool      `json:"connected"`
	LastSynced       time.Time `json:"last_synced"`
}

// Profile is the identity data fetched from the provider after a successful
// authorization.
type Profile struct {
	ProviderGivenID string
	Username        string
	DisplayName     string
	PictureURI      string
}
