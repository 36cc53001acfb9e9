package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	LoadToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
	ClearToken(ctx context.Context) error
}

// OAuthConfig describes the identity service.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// RevokeURL is called by a global sign-out. Optional.
	RevokeURL string
	Scopes    []string

	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// OAuthProvider is a Provider backed by an OAuth2 token endpoint using the
// resource-owner password grant, with refresh through the standard token
// source. The user id is the access token's "sub" claim.
type OAuthProvider struct {
	conf      *oauth2.Config
	revokeURL string
	client    *http.Client
	store     TokenStore
	logger    logrus.FieldLogger
}

// NewOAuthProvider creates a provider persisting tokens in store.
func NewOAuthProvider(cfg OAuthConfig, store TokenStore) *OAuthProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OAuthProvider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		revokeURL: cfg.RevokeURL,
		client:    cfg.HTTPClient,
		store:     store,
		logger:    logger.WithField("component", "auth"),
	}
}

func (p *OAuthProvider) withClient(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// SignIn exchanges email and password for a token and stores it.
func (p *OAuthProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	tok, err := p.conf.PasswordCredentialsToken(p.withClient(ctx), email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			err = fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return nil, &AuthError{Op: "sign in", Err: err}
	}
	session, err := sessionFromToken(tok)
	if err != nil {
		return nil, &AuthError{Op: "sign in", Err: err}
	}
	if err := p.store.SaveToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	p.logger.WithField("user", session.UserID).Info("Signed in")
	return session, nil
}

// FetchSession loads the stored token, refreshing it when expired.
func (p *OAuthProvider) FetchSession(ctx context.Context) (*Session, error) {
	stored, err := p.store.LoadToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	tok, err := p.conf.TokenSource(p.withClient(ctx), stored).Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: classify(err)}
	}
	if tok.AccessToken != stored.AccessToken {
		if err := p.store.SaveToken(ctx, tok); err != nil {
			p.logger.Warnf("Warning: failed to save refreshed token: %v", err)
		}
	}

	session, err := sessionFromToken(tok)
	if err != nil {
		return nil, &AuthError{Op: "session", Err: err}
	}
	return session, nil
}

// SignOut removes the stored token. A global sign-out first revokes the
// refresh token; revocation failures are logged and do not keep the device
// signed in.
func (p *OAuthProvider) SignOut(ctx context.Context, scope SignOutScope) error {
	if scope == ScopeGlobal && p.revokeURL != "" {
		if err := p.revoke(ctx); err != nil {
			p.logger.Warnf("Warning: failed to revoke token: %v", err)
		}
	}
	if err := p.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	p.logger.WithField("scope", scope).Info("Signed out")
	return nil
}

func (p *OAuthProvider) revoke(ctx context.Context) error {
	tok, err := p.store.LoadToken(ctx)
	if err != nil || tok == nil || tok.RefreshToken == "" {
		return err
	}

	form := url.Values{"token": {tok.RefreshToken}, "client_id": {p.conf.ClientID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke returned %s", resp.Status)
	}
	return nil
}

// classify maps refresh failures onto package errors.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	if re.ErrorCode == "invalid_grant" || invalidRefreshBody(string(re.Body)) {
		return fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}
	if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func invalidRefreshBody(body string) bool {
	body = strings.ToLower(body)
	if !strings.Contains(body, "refresh token") && !strings.Contains(body, "refresh_token") {
		return false
	}
	return strings.Contains(body, "invalid") || strings.Contains(body, "not found")
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// sessionFromToken reads the session out of the access token. The signature
// is not checked here; the remote store verifies it on every request.
func sessionFromToken(tok *oauth2.Token) (*Session, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}, nil
}
