// Package identity provisions the short-lived accounts artifacts are replayed under.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/funnyzak/reqreplay/internal/logger"
)

// Provider names
const (
	ProviderAnonymous = "anonymous"
	ProviderStatic    = "static"
)

// ErrNoSession is returned when sign-up succeeds without a usable session
var ErrNoSession = errors.New("sign-up response carried no session")

// Identity is an authenticated account
type Identity struct {
	UserID      string
	AccessToken string
}

// Provider creates and removes identities
type Provider interface {
	Provision(ctx context.Context) (*Identity, error)
	Teardown(ctx context.Context, id *Identity) error
}

// New builds the provider selected by cfg.Identity.Provider
func New(cfg *config.Config, client *http.Client, log logger.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Identity.Provider) {
	case "", ProviderAnonymous:
		return &AnonymousProvider{
			Client:       client,
			BaseURL:      cfg.Backend.BaseURL,
			FunctionsURL: cfg.Backend.FunctionsURL,
			APIKey:       cfg.Backend.APIKey,
			SignupPath:   cfg.Identity.SignupPath,
			DeletePath:   cfg.Identity.DeletePath,
			SkipTeardown: cfg.Identity.SkipTeardown,
			Logger:       log,
		}, nil
	case ProviderStatic:
		if cfg.Identity.Token == "" {
			return nil, &config.ConfigurationError{Missing: []string{"identity.token"}}
		}
		return &StaticProvider{Identity: Identity{UserID: cfg.Identity.UserID, AccessToken: cfg.Identity.Token}}, nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", cfg.Identity.Provider)
	}
}

// AnonymousProvider signs up a new anonymous user per artifact and
// deletes it afterwards through the backend's self-delete endpoint.
type AnonymousProvider struct {
	Client       *http.Client
	BaseURL      string
	FunctionsURL string
	APIKey       string
	SignupPath   string
	DeletePath   string
	SkipTeardown bool
	Logger       logger.Logger
}

func (p *AnonymousProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Provision signs up an anonymous user
func (p *AnonymousProvider) Provision(ctx context.Context) (*Identity, error) {
	target := joinURL(p.BaseURL, p.SignupPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("create sign-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.APIKey)
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to sign in anonymously: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sign-up response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error_description").String()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("failed to sign in anonymously: status %d: %s", resp.StatusCode, msg)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		token = gjson.GetBytes(body, "session.access_token").String()
	}
	if token == "" {
		return nil, ErrNoSession
	}
	userID := gjson.GetBytes(body, "user.id").String()

	if p.Logger != nil {
		p.Logger.Debug("Anonymous user created", "user_id", userID)
	}
	return &Identity{UserID: userID, AccessToken: token}, nil
}

// Teardown deletes the user. A missing delete path disables teardown.
func (p *AnonymousProvider) Teardown(ctx context.Context, id *Identity) error {
	if p.SkipTeardown || p.DeletePath == "" || id == nil {
		return nil
	}
	target := joinURL(p.FunctionsURL, p.DeletePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+id.AccessToken)
	req.Header.Set("apikey", p.APIKey)

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id.UserID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("delete user %s: status %d", id.UserID, resp.StatusCode)
	}
	return nil
}

// StaticProvider hands out one preconfigured identity and never deletes it
type StaticProvider struct {
	Identity Identity
}

func (p *StaticProvider) Provision(context.Context) (*Identity, error) {
	id := p.Identity
	return &id, nil
}

func (p *StaticProvider) Teardown(context.Context, *Identity) error {
	return nil
}
