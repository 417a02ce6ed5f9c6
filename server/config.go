// Package server implements the OAuth proxy flow core: authorize request
// parsing and validation, the provider callback, the token endpoint grant
// handling, and the discovery URL strategies. The HTTP adapter in the root
// package delegates here.
package server

import (
	"fmt"
	"net/url"
)

// Deployment topologies for discovery URL resolution.
const (
	// TopologySameOrigin advertises the authorization server at the same
	// origin as the protected resource, with the resource on a subpath.
	TopologySameOrigin = "same-origin"

	// TopologyAdjacentPort advertises the authorization server on the
	// resource's origin with the port incremented by one, so the two can run
	// as separate processes while remaining discoverable.
	TopologyAdjacentPort = "adjacent-port"
)

// Config holds the OAuth proxy flow configuration.
type Config struct {
	// Issuer is the gateway's issuer identifier (base URL), used when no
	// request-derived origin applies.
	Issuer string

	// ExternalResourceURI is the canonical public URL of the protected
	// resource. When set it takes precedence over the inbound request's own
	// origin: the gateway may be reachable under a different public origin
	// than its bind address.
	ExternalResourceURI string

	// ResourcePath is the subpath the protected resource is served under in
	// the same-origin topology. Default "/mcp".
	ResourcePath string

	// Topology selects the discovery strategy: TopologySameOrigin (default)
	// or TopologyAdjacentPort. A deployment-time choice, never a runtime one.
	Topology string

	// AllowedRedirectURIs is the allow-list for client redirect URIs when a
	// client record does not pin its own. Loopback redirect URIs are always
	// allowed for native clients (RFC 8252).
	AllowedRedirectURIs []string

	// AllowAnyRedirect disables redirect URI allow-list checking. Only for
	// development.
	AllowAnyRedirect bool

	// AllowPKCEPlain permits the deprecated "plain" code challenge method.
	// Default false: S256 only.
	AllowPKCEPlain bool

	// SupportedScopes lists the scopes clients may request. Empty means any.
	SupportedScopes []string

	// AuthorizationCodeTTL is the lifetime of issued codes in seconds.
	// Default 600.
	AuthorizationCodeTTL int64

	// AccessTokenTTL is the lifetime of issued resource-server access tokens
	// in seconds. Default 3600.
	AccessTokenTTL int64

	// RefreshTokenTTL is the lifetime of issued refresh tokens in seconds.
	// Default 7776000 (90 days).
	RefreshTokenTTL int64
}

// applyDefaults fills zero values in place.
func (c *Config) applyDefaults() {
	if c.ResourcePath == "" {
		c.ResourcePath = "/mcp"
	}
	if c.Topology == "" {
		c.Topology = TopologySameOrigin
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = 600
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 3600
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 90 * 24 * 3600
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Topology {
	case "", TopologySameOrigin, TopologyAdjacentPort:
	default:
		return fmt.Errorf("unknown topology %q", c.Topology)
	}
	if c.ExternalResourceURI != "" {
		u, err := url.Parse(c.ExternalResourceURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("external resource URI %q is not an absolute URL", c.ExternalResourceURI)
		}
	}
	if c.Issuer != "" {
		u, err := url.Parse(c.Issuer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("issuer %q is not an absolute URL", c.Issuer)
		}
	}
	return nil
}
