// Package web exposes the connection manager to the presentation layer over
// HTTP. Handlers return data and errors only; all flow state lives in the
// connection manager.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailfold/mailfold/internal/connection"
	"github.com/mailfold/mailfold/internal/oauth"
)

// LoginHandler starts an authorization flow and redirects the browser to
// the provider's consent page.
func LoginHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		uri, err := mgr.StartAuthorization(provider)
		if err != nil {
			writeError(w, err)
			return
		}
		http.Redirect(w, r, uri, http.StatusTemporaryRedirect)
	}
}

// CallbackHandler completes the flow from the provider's redirect, after
// checking the CSRF state issued with the consent URL.
func CallbackHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !mgr.MatchState(r.URL.Query().Get("state")) {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		acc, err := mgr.CompleteAuthorization(r.Context(), r.URL.Query().Get("code"))
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Connected!</h1><p>%s account <strong>%s</strong> is ready.</p>", acc.Provider, acc.Username)
	}
}

// CompleteHandler accepts an out-of-band authorization code, for providers
// using the manual copy/paste redirect.
func CompleteHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		acc, err := mgr.CompleteAuthorization(r.Context(), req.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, acc)
	}
}

// CancelHandler discards the pending authorization flow.
func CancelHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr.CancelAuthorization()
		writeJSON(w, map[string]string{"status": "cancelled"})
	}
}

// AccountsHandler lists the connected accounts.
func AccountsHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.Accounts())
	}
}

// DisconnectHandler revokes and removes an account.
func DisconnectHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := mgr.Disconnect(r.Context(), chi.URLParam(r, "id"))
		if err != nil && !removed {
			writeError(w, err)
			return
		}
		resp := map[string]interface{}{"removed": removed}
		if err != nil {
			resp["warning"] = err.Error()
		}
		writeJSON(w, resp)
	}
}

// RefreshHandler forces a token refresh for an account.
func RefreshHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.RefreshAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "refreshed"})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, oauth.ErrEmptyCode), errors.Is(err, oauth.ErrInvalidOperation), errors.Is(err, connection.ErrUnknownProvider):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, oauth.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, oauth.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, oauth.ErrExchangeFailed), errors.Is(err, oauth.ErrRefreshFailed), errors.Is(err, oauth.ErrRevokeFailed), errors.Is(err, oauth.ErrMalformedResponse):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
