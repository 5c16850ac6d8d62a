// Package storage persists the token cache, the account directory, and the
// client credential. All operations are whole-collection read/replace: the
// two stores are always saved together as snapshots so they never diverge.
package storage

import (
	"errors"

	"github.com/mailfold/mailfold/internal/account"
	"github.com/mailfold/mailfold/internal/oauth"
)

// ErrCredentialNotFound is returned when no credential is stored for a
// provider.
var ErrCredentialNotFound = errors.New("no credential stored for provider")

// Store is the durable storage collaborator. Collection names keep each
// provider's data apart, mirroring the per-service files the desktop client
// used.
type Store interface {
	SaveTokenCache(name string, tokens map[string]oauth.TokenRecord) error
	LoadTokenCache(name string) (map[string]oauth.TokenRecord, error)

	SaveAccounts(name string, accounts []account.Account) error
	LoadAccounts(name string) ([]account.Account, error)

	LoadCredential(provider string) (oauth.Credential, error)
}
