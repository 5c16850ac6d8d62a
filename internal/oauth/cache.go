package oauth

import (
	"sync"
	"time"
)

// Cache is the in-memory token store, keyed by the locally assigned account
// ID. It is the single source of truth for "is this account authorized"
// during a process lifetime; persistence happens through Snapshot.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]TokenRecord

	// now is swappable for expiry boundary tests.
	now func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		tokens: make(map[string]TokenRecord),
		now:    time.Now,
	}
}

// Get returns the token for the account, or ErrUnauthorized.
func (c *Cache) Get(accountID string) (TokenRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.tokens[accountID]
	if !ok {
		return TokenRecord{}, ErrUnauthorized
	}
	return rec, nil
}

// Put stores the token for the account, overwriting any previous record.
func (c *Cache) Put(accountID string, rec TokenRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[accountID] = rec
}

// Remove deletes the account's token and reports whether one existed.
func (c *Cache) Remove(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tokens[accountID]
	delete(c.tokens, accountID)
	return ok
}

// Snapshot returns a copy of the cache contents for persistence. Mutating
// the returned map never touches cache state.
func (c *Cache) Snapshot() map[string]TokenRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TokenRecord, len(c.tokens))
	for id, rec := range c.tokens {
		out[id] = rec
	}
	return out
}

// Replace swaps the full cache contents, used when restoring persisted state.
func (c *Cache) Replace(tokens map[string]TokenRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]TokenRecord, len(tokens))
	for id, rec := range tokens {
		c.tokens[id] = rec
	}
}

// IsAuthorized reports whether the account has a token record.
func (c *Cache) IsAuthorized(accountID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tokens[accountID]
	return ok
}

// IsExpired reports whether the account's token needs a refresh before use.
// Returns ErrUnauthorized when the account has no token at all.
func (c *Cache) IsExpired(accountID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.tokens[accountID]
	if !ok {
		return false, ErrUnauthorized
	}
	return rec.ExpiredAt(c.now()), nil
}

// Len reports the number of cached accounts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}
