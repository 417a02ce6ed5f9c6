// Package mock provides a mock upstream provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/providers"
)

// Provider is a mock implementation of providers.Provider. Override the
// function fields to inject behavior; call counts are tracked for
// assertions.
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, codeChallenge, codeChallengeMethod string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	HealthCheckFunc      func(ctx context.Context) error

	mu         sync.Mutex
	callCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a mock provider with working defaults.
func NewProvider() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc:   func() string { return "mock" },
		AuthorizationURLFunc: func(state, codeChallenge, codeChallengeMethod string) string {
			return fmt.Sprintf(
				"https://provider.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=%s",
				state, codeChallenge, codeChallengeMethod)
		},
		ExchangeCodeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "provider-access-token",
				TokenType:    "Bearer",
				RefreshToken: "provider-refresh-token",
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "provider-refreshed-access-token",
				TokenType:    "Bearer",
				RefreshToken: "provider-rotated-refresh-token",
			}, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error { return nil },
		HealthCheckFunc: func(ctx context.Context) error { return nil },
	}
}

func (m *Provider) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (m *Provider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// Name implements providers.Provider.
func (m *Provider) Name() string {
	m.record("Name")
	return m.NameFunc()
}

// AuthorizationURL implements providers.Provider.
func (m *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	m.record("AuthorizationURL")
	return m.AuthorizationURLFunc(state, codeChallenge, codeChallengeMethod)
}

// ExchangeCode implements providers.Provider.
func (m *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.record("ExchangeCode")
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// RefreshToken implements providers.Provider.
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("RefreshToken")
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// RevokeToken implements providers.Provider.
func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	return m.RevokeTokenFunc(ctx, token)
}

// HealthCheck implements providers.Provider.
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.record("HealthCheck")
	return m.HealthCheckFunc(ctx)
}
