package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"homedash/internal/auth"
	appLog "homedash/internal/log"
	"homedash/internal/store"
)

const (
	maxConfigBody = 1 << 20
	tokensKey     = "googleTokens"
)

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type reloadResponse struct {
	ShouldReload bool `json:"shouldReload"`
}

type authStatusResponse struct {
	Authenticated bool `json:"authenticated"`
	Configured    bool `json:"configured"`
}

// errUnchanged aborts a store update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// handleConfigGet returns the dashboard document. The OAuth bundle never
// leaves the server.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Store.Raw()
	if err != nil {
		appLog.Error("config read error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read configuration")
		return
	}
	delete(raw, tokensKey)
	writeJSON(w, http.StatusOK, raw)
}

// handleConfigPost shallow-merges the posted keys into the document.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if _, ok := patch[tokensKey]; ok {
		writeError(w, http.StatusBadRequest, tokensKey+" cannot be set through /config")
		return
	}

	if err := s.deps.Store.Merge(patch); err != nil {
		if errors.Is(err, store.ErrPersist) {
			appLog.Error("config write error", err)
			writeError(w, http.StatusInternalServerError, "Failed to save configuration")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appLog.Info("configuration updated", "keys", len(patch))
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleReloadRequest asks every open dashboard to reload.
func (s *Server) handleReloadRequest(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Store.Update(func(doc *store.Document) error {
		doc.ReloadRequested = true
		return nil
	})
	if err != nil {
		appLog.Error("reload request error", err)
		writeError(w, http.StatusInternalServerError, "Failed to request reload")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleReloadCheck reports a pending reload and clears it. Errors read as
// no reload so a dashboard never loops.
func (s *Server) handleReloadCheck(w http.ResponseWriter, r *http.Request) {
	var should bool
	err := s.deps.Store.Update(func(doc *store.Document) error {
		if !doc.ReloadRequested {
			return errUnchanged
		}
		should = true
		doc.ReloadRequested = false
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		appLog.Error("reload check error", err)
		should = false
	}
	writeJSON(w, http.StatusOK, reloadResponse{ShouldReload: should})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Accounts.Authenticated()
	if err != nil {
		appLog.Error("failed to check auth status", err)
		ok = false
	}
	writeJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: ok,
		Configured:    s.deps.Accounts.Configured(),
	})
}

func (s *Server) handleAuthReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Reset(); err != nil {
		appLog.Error("auth reset error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reset authentication")
		return
	}
	appLog.Info("google authentication reset")
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "Google authentication reset"})
}

// handleAuthStart redirects to Google's consent screen.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Accounts.Configured() {
		writeError(w, http.StatusServiceUnavailable, "Google OAuth client is not configured")
		return
	}
	http.Redirect(w, r, s.deps.Accounts.AuthURL(), http.StatusFound)
}

// handleAuthCallback finishes the OAuth flow and sends the browser back to
// the admin page with the result.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		appLog.Warn("oauth error", "error", oauthErr)
		redirectAdmin(w, r, "oauth_failed")
		return
	}
	code := q.Get("code")
	if code == "" {
		redirectAdmin(w, r, "no_code")
		return
	}

	if err := s.deps.Accounts.Exchange(r.Context(), q.Get("state"), code); err != nil {
		appLog.Error("oauth callback failed", err)
		if errors.Is(err, auth.ErrInvalidState) {
			redirectAdmin(w, r, "invalid_state")
			return
		}
		redirectAdmin(w, r, "token_exchange_failed")
		return
	}
	appLog.Info("google account connected")
	http.Redirect(w, r, "/admin?success=true", http.StatusFound)
}

func redirectAdmin(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, "/admin?error="+url.QueryEscape(reason), http.StatusFound)
}
