package oauth

import "sync"

// Credential is the client application's registered identity with a provider.
type Credential struct {
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
}

// CredentialHolder publishes a credential once and serves concurrent reads.
// Flows for several accounts read the same credential at the same time.
type CredentialHolder struct {
	mu   sync.RWMutex
	cred Credential
	set  bool
}

// Initialize stores the credential. Later calls overwrite nothing: the first
// credential wins for the lifetime of the process.
func (h *CredentialHolder) Initialize(cred Credential) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.set {
		return
	}
	h.cred = cred
	h.set = true
}

// Get returns the credential, or ErrNotInitialized before Initialize.
func (h *CredentialHolder) Get() (Credential, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set {
		return Credential{}, ErrNotInitialized
	}
	return h.cred, nil
}

// Initialized reports whether a credential has been published.
func (h *CredentialHolder) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.set
}
