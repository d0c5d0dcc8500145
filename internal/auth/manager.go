// Package auth owns OAuth2 credentials of the configured providers: it hands
// out tokens with a guaranteed remaining lifetime, refreshes and persists them,
// and runs the interactive PKCE authorization flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CredentialStore is the durable side of the manager.
type CredentialStore interface {
	Get(ctx context.Context, provider string) (*models.Credential, error)
	Save(ctx context.Context, c *models.Credential) error
	Delete(ctx context.Context, provider string) error
}

// TokenSource is what remote adapters depend on.
type TokenSource interface {
	GetValidToken(ctx context.Context, provider string) (*oauth2.Token, error)
}

// Status describes the stored credential of a provider.
type Status struct {
	Authenticated bool
	Static        bool
	Account       string
	Expiry        time.Time
}

type Manager struct {
	store       CredentialStore
	logger      logging.Logger
	minLifetime time.Duration
	callTimeout time.Duration
	httpClient  *http.Client
	now         func() time.Time

	mu      sync.RWMutex
	configs map[string]*oauth2.Config
	static  map[string]*oauth2.Token

	refreshes singleflight.Group
}

type Option func(*Manager)

// WithMinLifetime sets the minimum remaining lifetime of returned tokens.
func WithMinLifetime(d time.Duration) Option {
	return func(m *Manager) { m.minLifetime = d }
}

// WithCallTimeout bounds each call to the token endpoint.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithHTTPClient sets the client used to reach token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

func NewManager(store CredentialStore, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		logger:      logger.With("module", "auth"),
		minLifetime: common.MinTokenLifetime,
		callTimeout: 30 * time.Second,
		now:         time.Now,
		configs:     make(map[string]*oauth2.Config),
		static:      make(map[string]*oauth2.Token),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register makes an OAuth2 provider known to the manager.
func (m *Manager) Register(provider string, cfg *oauth2.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[provider] = cfg
}

// RegisterStatic serves a fixed, non-expiring token for a provider that does
// not use OAuth2.
func (m *Manager) RegisterStatic(provider string, tok *oauth2.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.static[provider] = tok
}

func (m *Manager) config(provider string) (*oauth2.Config, *oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tok, ok := m.static[provider]; ok {
		return nil, tok, nil
	}
	cfg, ok := m.configs[provider]
	if !ok {
		return nil, nil, newError(provider, ErrUnknownProvider, nil)
	}
	return cfg, nil, nil
}

// GetValidToken returns a token valid for at least the minimum lifetime. An
// expiring token is refreshed once and persisted before it is returned.
func (m *Manager) GetValidToken(ctx context.Context, provider string) (*oauth2.Token, error) {
	cfg, static, err := m.config(provider)
	if err != nil {
		return nil, err
	}
	if static != nil {
		return static, nil
	}

	cred, err := m.load(ctx, provider)
	if err != nil {
		return nil, err
	}
	if m.fresh(cred) {
		return tokenOf(cred), nil
	}

	v, err, _ := m.refreshes.Do(provider, func() (any, error) {
		return m.refresh(ctx, provider, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *Manager) fresh(c *models.Credential) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return c.Expiry.Sub(m.now()) >= m.minLifetime
}

func (m *Manager) load(ctx context.Context, provider string) (*models.Credential, error) {
	cred, err := m.store.Get(ctx, provider)
	if errors.Is(err, common.ErrNotFound) {
		return nil, newError(provider, ErrNotAuthenticated, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.RefreshToken == "" && !m.fresh(cred) {
		return nil, newError(provider, ErrNotAuthenticated, errors.New("no refresh token"))
	}
	return cred, nil
}

func (m *Manager) refresh(ctx context.Context, provider string, cfg *oauth2.Config) (*oauth2.Token, error) {
	// Re-read: a caller that just finished a refresh may have stored a
	// fresh token.
	cred, err := m.load(ctx, provider)
	if err != nil {
		return nil, err
	}
	if m.fresh(cred) {
		return tokenOf(cred), nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
	defer cancel()
	if m.httpClient != nil {
		rctx = context.WithValue(rctx, oauth2.HTTPClient, m.httpClient)
	}

	tok, err := cfg.TokenSource(rctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, m.refreshFailed(ctx, provider, err)
	}

	next := credentialOf(provider, tok, cred)
	if err := m.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	m.logger.Info(ctx, "access token refreshed", "provider", provider, "expiry", next.Expiry)
	return tokenOf(next), nil
}

func (m *Manager) refreshFailed(ctx context.Context, provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && rejected(re) {
		m.logger.Warn(ctx, "refresh token rejected, clearing credential", "provider", provider, "code", re.ErrorCode)
		if derr := m.store.Delete(ctx, provider); derr != nil {
			return errors.Join(newError(provider, ErrRefreshRejected, err), derr)
		}
		return newError(provider, ErrRefreshRejected, err)
	}
	m.logger.Warn(ctx, "token refresh failed", "provider", provider, "error", err)
	return newError(provider, ErrTimeout, err)
}

func rejected(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

// Invalidate marks the access token as unusable so the next GetValidToken
// refreshes it. Used when a provider rejects a token before its expiry.
func (m *Manager) Invalidate(ctx context.Context, provider string) error {
	if _, static, err := m.config(provider); err != nil || static != nil {
		return err
	}
	cred, err := m.store.Get(ctx, provider)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	cred.Expiry = time.Time{}
	return m.store.Save(ctx, cred)
}

// Logout forgets the credential of a provider.
func (m *Manager) Logout(ctx context.Context, provider string) error {
	return m.store.Delete(ctx, provider)
}

func (m *Manager) Status(ctx context.Context, provider string) (Status, error) {
	_, static, err := m.config(provider)
	if err != nil {
		return Status{}, err
	}
	if static != nil {
		return Status{Authenticated: true, Static: true}, nil
	}
	cred, err := m.store.Get(ctx, provider)
	if errors.Is(err, common.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{Authenticated: true, Account: cred.Account, Expiry: cred.Expiry}, nil
}

// Save persists a token obtained from an authorization-code exchange.
func (m *Manager) Save(ctx context.Context, provider string, tok *oauth2.Token) error {
	prev, err := m.store.Get(ctx, provider)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	return m.store.Save(ctx, credentialOf(provider, tok, prev))
}

func (m *Manager) oauthConfig(provider string) (*oauth2.Config, error) {
	cfg, static, err := m.config(provider)
	if err != nil {
		return nil, err
	}
	if static != nil {
		return nil, newError(provider, ErrStaticProvider, nil)
	}
	return cfg, nil
}

func tokenOf(c *models.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// credentialOf converts a fresh token, keeping the refresh token and account
// of prev when the provider omits them.
func credentialOf(provider string, tok *oauth2.Token, prev *models.Credential) *models.Credential {
	c := &models.Credential{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Account:      accountEmail(tok),
	}
	if prev != nil {
		if c.RefreshToken == "" {
			c.RefreshToken = prev.RefreshToken
		}
		if c.Account == "" {
			c.Account = prev.Account
		}
	}
	return c
}

// accountEmail reads the email claim of an OpenID id_token. The token came
// straight from the token endpoint over TLS, so its signature is not checked.
func accountEmail(tok *oauth2.Token) string {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}
