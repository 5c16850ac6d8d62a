package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport issues the HTTP requests the flow engine needs. Non-2xx
// responses surface as *StatusError so callers can tell a remote rejection
// from a transport failure.
type Transport interface {
	PostForm(ctx context.Context, uri string, params url.Values) ([]byte, error)
	Get(ctx context.Context, uri, authorization string) ([]byte, error)
}

// StatusError reports a non-2xx response, carrying the body for diagnostics.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

const defaultTimeout = 30 * time.Second

// HTTPTransport is the production Transport over net/http with a bounded
// per-request timeout.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport with the default timeout.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (t *HTTPTransport) PostForm(ctx context.Context, uri string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req)
}

func (t *HTTPTransport) Get(ctx context.Context, uri, authorization string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return t.do(req)
}

func (t *HTTPTransport) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
