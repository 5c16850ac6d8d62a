package oauth

import "golang.org/x/sync/singleflight"

// refreshGate collapses concurrent refresh attempts for the same account
// into one exchange. Providers that rotate refresh tokens invalidate the old
// one on use, so two racing refreshes can strand a working credential; every
// caller here waits on the same in-flight result instead.
type refreshGate struct {
	group singleflight.Group
}

// do runs fn for the account unless a refresh is already in flight, in which
// case the caller blocks and receives that refresh's outcome.
func (g *refreshGate) do(accountID string, fn func() (TokenRecord, error)) (TokenRecord, error) {
	v, err, _ := g.group.Do(accountID, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return TokenRecord{}, err
	}
	return v.(TokenRecord), nil
}
