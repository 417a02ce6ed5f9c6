package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/providers"
)

// defaultRequestTimeout bounds calls to the provider's endpoints. Upstream
// exchanges run inside client-facing requests, so they must not hang.
const defaultRequestTimeout = 30 * time.Second

// Config holds configuration for an OIDC upstream provider.
type Config struct {
	// IssuerURL is the provider's issuer (e.g. https://accounts.example.com).
	IssuerURL string

	// ClientID is the OAuth client id registered with the provider.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// RedirectURL is the gateway's own callback endpoint.
	RedirectURL string

	// Scopes requested from the provider.
	// Default: ["openid", "profile", "email", "offline_access"].
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds provider API calls (default 30s).
	RequestTimeout time.Duration
}

// Provider implements providers.Provider against an OIDC-discovered upstream.
type Provider struct {
	*oauth2.Config
	discovery      *DiscoveryClient
	issuerURL      string
	revocationURL  string
	httpClient     *http.Client
	requestTimeout time.Duration
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider performs OIDC discovery against the issuer and returns a
// provider bound to the discovered endpoints.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email", "offline_access"}
	}

	discovery := NewDiscoveryClient(httpClient, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	doc, err := discovery.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		discovery:      discovery,
		issuerURL:      cfg.IssuerURL,
		revocationURL:  doc.RevocationEndpoint,
		httpClient:     httpClient,
		requestTimeout: timeout,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "oidc"
}

// AuthorizationURL builds the provider authorize URL, forwarding the
// client's PKCE commitment.
func (p *Provider) AuthorizationURL(state, codeChallenge, codeChallengeMethod string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", codeChallengeMethod),
		)
	}
	return p.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for provider tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := p.boundContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	token, err := p.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}

// RefreshToken refreshes a provider token using its refresh token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.boundContext(ctx)
	defer cancel()

	source := p.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	return token, nil
}

// RevokeToken revokes a token at the provider's revocation endpoint (RFC
// 7009). Providers without one make this a no-op.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	if p.revocationURL == "" {
		return nil
	}

	ctx, cancel := p.boundContext(ctx)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.ClientID), url.QueryEscape(p.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck re-runs discovery to verify the provider is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.boundContext(ctx)
	defer cancel()

	if _, err := p.discovery.Discover(ctx, p.issuerURL); err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	return nil
}

// boundContext caps ctx with the configured request timeout and injects the
// provider HTTP client for x/oauth2 calls.
func (p *Provider) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	return context.WithTimeout(ctx, p.requestTimeout)
}
