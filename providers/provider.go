// Package providers defines the interface to the upstream OAuth authorization
// server the gateway brokers credentials for. The upstream is treated as a
// black box conforming to RFC 6749/7636; implementations only know how to
// build its authorize URL and drive its token endpoint.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the upstream OAuth authorization server.
type Provider interface {
	// Name returns the provider name, used for logging only.
	Name() string

	// AuthorizationURL builds the URL to redirect the user agent to.
	// state is the gateway's provider-state value; codeChallenge and
	// codeChallengeMethod forward the client's PKCE commitment.
	AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string

	// ExchangeCode exchanges an authorization code for provider tokens.
	// codeVerifier may be empty when PKCE is verified at the gateway's own
	// token endpoint instead of the provider's.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken refreshes an expired provider token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Best effort.
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies the provider is reachable. Useful for readiness
	// probes and startup validation.
	HealthCheck(ctx context.Context) error
}
