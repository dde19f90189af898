package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"homedash/internal/config"
	appLog "homedash/internal/log"
	"homedash/internal/store"
)

// ErrUnauthenticated means no usable Google credential exists. The user has
// to (re)connect the account; retrying will not help.
var ErrUnauthenticated = errors.New("auth: not authenticated with Google")

// ErrInvalidState is returned by Exchange for an unknown or expired state.
var ErrInvalidState = errors.New("auth: invalid or expired OAuth state")

const (
	ScopeCalendarReadonly = "https://www.googleapis.com/auth/calendar.readonly"
	ScopePickerReadonly   = "https://www.googleapis.com/auth/photospicker.mediaitems.readonly"

	stateTTL = 10 * time.Minute
)

// TokenStore persists the OAuth bundle.
type TokenStore interface {
	Tokens() (*store.Tokens, error)
	SaveTokens(t *store.Tokens) error
	ClearTokens() error
}

// NewOAuthConfig creates the OAuth2 config for the Calendar and Photos
// Picker APIs.
func NewOAuthConfig(g config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		RedirectURL:  g.RedirectURL,
		Scopes:       []string{ScopeCalendarReadonly, ScopePickerReadonly},
		Endpoint:     google.Endpoint,
	}
}

// Credential is a bearer token ready for an authenticated call.
type Credential struct {
	Token *oauth2.Token
	// Rotated is set when RefreshIfNeeded obtained a new access token that
	// the caller has to persist.
	Rotated bool
}

// Client returns an HTTP client that sends the credential as a bearer token.
func (c Credential) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(c.Token))
}

// Provider hands out Google credentials backed by the dashboard document.
type Provider struct {
	oauth  *oauth2.Config
	tokens TokenStore
	now    func() time.Time

	// refreshMu serializes refreshes so concurrent requests do not each
	// spend the refresh token.
	refreshMu sync.Mutex

	stateMu sync.Mutex
	states  map[string]time.Time
}

func NewProvider(oauthCfg *oauth2.Config, tokens TokenStore) *Provider {
	return &Provider{
		oauth:  oauthCfg,
		tokens: tokens,
		now:    time.Now,
		states: make(map[string]time.Time),
	}
}

// RefreshIfNeeded turns a stored bundle into a usable credential, refreshing
// it when expired. It does not persist anything; a rotated token is reported
// through Credential.Rotated.
func (p *Provider) RefreshIfNeeded(ctx context.Context, stored *store.Tokens) (Credential, error) {
	if stored == nil || stored.AccessToken == "" {
		return Credential{}, ErrUnauthenticated
	}

	current := ToOAuthToken(stored)
	if current.Valid() {
		return Credential{Token: current}, nil
	}
	if current.RefreshToken == "" {
		return Credential{}, fmt.Errorf("%w: access token expired and no refresh token stored", ErrUnauthenticated)
	}

	fresh, err := p.oauth.TokenSource(ctx, current).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return Credential{}, fmt.Errorf("%w: refresh rejected: %v", ErrUnauthenticated, err)
		}
		return Credential{}, fmt.Errorf("failed to refresh token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}

	return Credential{
		Token:   fresh,
		Rotated: fresh.AccessToken != current.AccessToken,
	}, nil
}

// Credential loads the stored bundle, refreshes it when needed and persists
// a rotated token before returning.
func (p *Provider) Credential(ctx context.Context) (Credential, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	stored, err := p.tokens.Tokens()
	if err != nil {
		return Credential{}, fmt.Errorf("failed to load token: %w", err)
	}

	cred, err := p.RefreshIfNeeded(ctx, stored)
	if err != nil {
		return Credential{}, err
	}

	if cred.Rotated {
		if err := p.tokens.SaveTokens(FromOAuthToken(cred.Token)); err != nil {
			// The fresh token is still usable for this call.
			appLog.Error("failed to persist refreshed token", err)
		} else {
			appLog.Info("google token refreshed", "expiry", cred.Token.Expiry.Format(time.RFC3339))
		}
	}
	return cred, nil
}

// Configured reports whether an OAuth client is set up at all.
func (p *Provider) Configured() bool {
	return p.oauth != nil && p.oauth.ClientID != ""
}

// Authenticated reports whether a token bundle is stored.
func (p *Provider) Authenticated() (bool, error) {
	t, err := p.tokens.Tokens()
	if err != nil {
		return false, err
	}
	return t != nil && t.AccessToken != "", nil
}

// Reset forgets the stored credential.
func (p *Provider) Reset() error {
	return p.tokens.ClearTokens()
}

// AuthURL returns the consent URL, remembering a one-time state token.
func (p *Provider) AuthURL() string {
	state := uuid.NewString()

	p.stateMu.Lock()
	now := p.now()
	for s, exp := range p.states {
		if now.After(exp) {
			delete(p.states, s)
		}
	}
	p.states[state] = now.Add(stateTTL)
	p.stateMu.Unlock()

	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "select_account consent"),
	)
}

// Exchange trades an authorization code for tokens and stores them.
func (p *Provider) Exchange(ctx context.Context, state, code string) error {
	if !p.consumeState(state) {
		return ErrInvalidState
	}
	if code == "" {
		return errors.New("auth: no authorization code received")
	}

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := p.tokens.SaveTokens(FromOAuthToken(token)); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (p *Provider) consumeState(state string) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	exp, ok := p.states[state]
	if !ok {
		return false
	}
	delete(p.states, state)
	return !p.now().After(exp)
}

// ToOAuthToken converts the stored bundle. A zero expiry_date means the
// token carries no expiry.
func ToOAuthToken(t *store.Tokens) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
	}
	if t.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(t.ExpiryDate)
	}
	return tok
}

// FromOAuthToken converts an oauth2 token into the stored bundle.
func FromOAuthToken(t *oauth2.Token) *store.Tokens {
	out := &store.Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if !t.Expiry.IsZero() {
		out.ExpiryDate = t.Expiry.UnixMilli()
	}
	return out
}
