package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"homedash/internal/auth"
	"homedash/internal/config"
	"homedash/internal/gcal"
	appLog "homedash/internal/log"
	"homedash/internal/model"
	"homedash/internal/picker"
	"homedash/internal/store"
)

// EventSource produces the aggregated dashboard events.
type EventSource interface {
	Events(ctx context.Context) []model.CalendarEvent
}

// CalendarLister lists the API calendars of the connected account.
type CalendarLister interface {
	ListCalendars(ctx context.Context) ([]gcal.Calendar, error)
}

// PickerBroker drives picker sessions on behalf of the UI.
type PickerBroker interface {
	Create(ctx context.Context) (*picker.Session, error)
	Status(ctx context.Context, sessionID string) (picker.Status, error)
	Retrieve(ctx context.Context, sessionID string) ([]model.SelectedPhoto, error)
}

// Accounts is the Google account connection.
type Accounts interface {
	Credential(ctx context.Context) (auth.Credential, error)
	Configured() bool
	Authenticated() (bool, error)
	Reset() error
	AuthURL() string
	Exchange(ctx context.Context, state, code string) error
}

// Deps are the components the HTTP surface is wired to.
type Deps struct {
	Store     *store.Store
	Accounts  Accounts
	Events    EventSource
	Calendars CalendarLister
	Picker    PickerBroker

	// Metrics serves /metrics. Nil disables the endpoint.
	Metrics http.Handler

	// PreviewPath is the PNG served at /preview.png.
	PreviewPath string

	// ProxyClient fetches proxied photos. Nil uses a 30s client.
	ProxyClient *http.Client
}

// Server provides the dashboard HTTP API and the embedded UI.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	// proxyAllowed gates /photos/proxy targets.
	proxyAllowed func(u *url.URL) bool
}

// embeddedStatic contains the dashboard and admin pages.
//
//go:embed all:static
var embeddedStatic embed.FS

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.ProxyClient == nil {
		deps.ProxyClient = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Server{
		cfg:          cfg,
		deps:         deps,
		mux:          http.NewServeMux(),
		proxyAllowed: googlePhotoHost,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, behind basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable it.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="homedash", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /calendar", s.handleCalendar)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendarICS)
	s.mux.HandleFunc("GET /calendars", s.handleCalendars)

	s.mux.HandleFunc("POST /photos/picker/create", s.handlePickerCreate)
	s.mux.HandleFunc("GET /photos/picker/status", s.handlePickerStatus)
	s.mux.HandleFunc("GET /photos/picker/items", s.handlePickerItems)
	s.mux.HandleFunc("GET /photos", s.handlePhotos)
	s.mux.HandleFunc("GET /photos/proxy", s.handlePhotoProxy)

	s.mux.HandleFunc("GET /config", s.handleConfigGet)
	s.mux.HandleFunc("POST /config", s.handleConfigPost)
	s.mux.HandleFunc("GET /reload", s.handleReloadCheck)
	s.mux.HandleFunc("POST /reload", s.handleReloadRequest)

	s.mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("POST /auth/reset", s.handleAuthReset)
	s.mux.HandleFunc("GET /auth/google", s.handleAuthStart)
	s.mux.HandleFunc("GET /auth/google/callback", s.handleAuthCallback)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)

	// Everything else is the embedded UI.
	s.mux.Handle("GET /", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves the embedded pages from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}
	return http.FileServer(http.FS(sub))
}

// handlePreview serves the last captured dashboard PNG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.deps.PreviewPath == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, s.deps.PreviewPath)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, picker.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, picker.ErrTimedOut):
		return http.StatusRequestTimeout
	case errors.Is(err, store.ErrPersist):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// fail logs err and answers with its mapped status. Unauthenticated errors
// get an actionable message instead of msg.
func fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	appLog.Error(msg, err, "status", status)
	if status == http.StatusUnauthorized {
		msg = "Not authenticated. Please connect your Google account first."
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// googlePhotoHost accepts https URLs served by Google's user content CDN.
func googlePhotoHost(u *url.URL) bool {
	if u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "googleusercontent.com" || strings.HasSuffix(host, ".googleusercontent.com")
}
