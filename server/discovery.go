package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/authgate/mcp-authgate/internal/util"
)

// Endpoints are the three advertised base URLs the discovery documents are
// built from.
type Endpoints struct {
	// AuthBase is the base URL for the gateway's own authorize/token/revoke
	// endpoints.
	AuthBase string

	// MetadataURL is the authorization-server metadata document URL.
	MetadataURL string

	// ResourceBase is the protected resource identifier.
	ResourceBase string
}

// Strategy resolves the advertised URLs from a request origin. Selection is
// a deployment-time configuration choice, not a runtime decision.
type Strategy interface {
	Resolve(origin string) Endpoints
}

// StrategyFor returns the strategy selected by the configuration.
func StrategyFor(cfg *Config) Strategy {
	if cfg.Topology == TopologyAdjacentPort {
		return adjacentPortStrategy{}
	}
	return sameOriginStrategy{resourcePath: cfg.ResourcePath}
}

// sameOriginStrategy advertises the authorization server at the resource's
// origin, with the resource on a fixed subpath.
type sameOriginStrategy struct {
	resourcePath string
}

func (s sameOriginStrategy) Resolve(origin string) Endpoints {
	origin = util.NormalizeURL(origin)
	path := s.resourcePath
	if path == "" {
		path = "/mcp"
	}
	return Endpoints{
		AuthBase:     origin,
		MetadataURL:  origin + "/.well-known/oauth-authorization-server",
		ResourceBase: origin + path,
	}
}

// adjacentPortStrategy advertises the authorization server on the resource
// origin's port plus one, so resource and authorization server can run as
// separate processes.
type adjacentPortStrategy struct{}

func (adjacentPortStrategy) Resolve(origin string) Endpoints {
	origin = util.NormalizeURL(origin)
	authBase := incrementPort(origin)
	return Endpoints{
		AuthBase:     authBase,
		MetadataURL:  authBase + "/.well-known/oauth-authorization-server",
		ResourceBase: origin,
	}
}

// incrementPort rewrites an absolute URL's port to port+1, inferring the
// scheme default when no explicit port is present.
func incrementPort(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return origin
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(n+1))
	return u.String()
}

// ResolveOrigin determines the origin to advertise for a request. A
// configured external resource URI wins over the request's own origin, since
// the gateway may be reachable under a different public origin than its bind
// address.
func ResolveOrigin(r *http.Request, cfg *Config) string {
	if cfg.ExternalResourceURI != "" {
		if u, err := url.Parse(cfg.ExternalResourceURI); err == nil && u.Host != "" {
			return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		}
	}
	if cfg.Issuer != "" {
		return util.NormalizeURL(cfg.Issuer)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
