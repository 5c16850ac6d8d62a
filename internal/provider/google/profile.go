package google

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mailfold/mailfold/internal/account"
	"github.com/mailfold/mailfold/internal/oauth"
)

// ProfileClient fetches the Google userinfo profile for a freshly
// authorized account.
type ProfileClient struct {
	transport oauth.Transport
	endpoint  string
}

// NewProfileClient returns a profile client over the given transport.
func NewProfileClient(transport oauth.Transport) *ProfileClient {
	return &ProfileClient{transport: transport, endpoint: userinfoEndpoint}
}

// FetchAccountProfile returns the provider-side identity for the token's
// owner.
func (c *ProfileClient) FetchAccountProfile(ctx context.Context, accessToken string) (account.Profile, error) {
	body, err := c.transport.Get(ctx, c.endpoint, "Bearer "+accessToken)
	if err != nil {
		return account.Profile{}, fmt.Errorf("fetching userinfo: %w", err)
	}

	var info struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return account.Profile{}, fmt.Errorf("%w: %v", oauth.ErrMalformedResponse, err)
	}
	if info.ID == "" {
		return account.Profile{}, fmt.Errorf("%w: id", oauth.ErrMalformedResponse)
	}

	return account.Profile{
		ProviderGivenID: info.ID,
		Username:        info.Email,
		DisplayName:     info.Name,
		PictureURI:      info.Picture,
	}, nil
}
