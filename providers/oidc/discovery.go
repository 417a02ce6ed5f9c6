// Package oidc implements the upstream provider interface against any
// OIDC-compliant authorization server, resolving its endpoints through
// RFC 8414 discovery.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DiscoveryDocument is the subset of OIDC provider metadata the gateway uses.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	JWKSUri               string `json:"jwks_uri,omitempty"`
}

type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents. Safe for
// concurrent use.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      sync.Map // issuer URL -> *cachedDocument
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a 10s
// timeout default; a zero cacheTTL defaults to one hour.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{httpClient: httpClient, cacheTTL: cacheTTL, logger: logger}
}

// Discover fetches the discovery document for an issuer, with caching and
// HTTPS enforcement on every discovered endpoint.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if err := ValidateIssuerURL(issuerURL); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if time.Since(doc.fetchedAt) < c.cacheTTL {
			return doc.document, nil
		}
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.cache.Store(issuerURL, &cachedDocument{document: &doc, fetchedAt: time.Now()})
	c.logger.Debug("OIDC discovery successful",
		"issuer", issuerURL,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)
	return &doc, nil
}

// validateDocument checks that the required endpoints are present and secure.
func validateDocument(doc *DiscoveryDocument) error {
	if doc.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint")
	}
	if doc.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	for _, endpoint := range []string{doc.AuthorizationEndpoint, doc.TokenEndpoint, doc.RevocationEndpoint} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointURL(endpoint); err != nil {
			return err
		}
	}
	return nil
}

// ValidateIssuerURL rejects issuer URLs that are not HTTPS, except for
// loopback addresses used in local development.
func ValidateIssuerURL(issuerURL string) error {
	return validateEndpointURL(issuerURL)
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && isLoopbackHost(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("URL %q must use https (http allowed for loopback only)", raw)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
