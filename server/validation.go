package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/authgate/mcp-authgate/storage"
)

// PKCE code challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// AuthorizeRequest is a parsed authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	SessionID           string
}

// ParseAuthorizeRequest parses authorization request query parameters.
// PKCE is mandatory: a missing code_challenge or code_challenge_method is
// rejected here, before anything reaches the provider. State and scope pass
// through opaquely.
func ParseAuthorizeRequest(q url.Values) (*AuthorizeRequest, error) {
	req := &AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		SessionID:           q.Get("session_id"),
	}

	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod == "" {
		return nil, ErrInvalidRequest("PKCE is required: code_challenge and code_challenge_method are mandatory")
	}
	return req, nil
}

// validateChallengeMethod checks the PKCE method against configuration.
func (s *Server) validateChallengeMethod(method string) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if s.config.AllowPKCEPlain {
			return nil
		}
		return ErrInvalidRequest("'plain' code_challenge_method is not allowed, use S256")
	default:
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
}

// validatePKCE verifies a code verifier against the stored challenge.
// Comparisons are constant time.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("no code challenge recorded for this code")
	}

	var derived string
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		derived = verifier
	default:
		return fmt.Errorf("unknown code challenge method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return fmt.Errorf("code verifier does not match challenge")
	}
	return nil
}

// validateRedirectURI checks a redirect URI against the client's registered
// URIs when a client record exists, otherwise against the configured
// allow-list. Loopback URIs match ignoring the port, per RFC 8252: native
// clients bind an ephemeral port per run.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if s.config.AllowAnyRedirect {
		return nil
	}

	allowed := s.config.AllowedRedirectURIs
	if client != nil && len(client.RedirectURIs) > 0 {
		allowed = client.RedirectURIs
	}

	candidate, err := url.Parse(redirectURI)
	if err != nil {
		return ErrInvalidRedirectURI(fmt.Sprintf("malformed redirect_uri: %v", err))
	}

	for _, entry := range allowed {
		if entry == redirectURI {
			return nil
		}
		if registered, err := url.Parse(entry); err == nil && loopbackMatch(registered, candidate) {
			return nil
		}
	}
	if isLoopbackURL(candidate) && len(allowed) == 0 {
		return nil
	}
	return ErrInvalidRedirectURI(fmt.Sprintf("redirect_uri %q is not allowed", redirectURI))
}

// loopbackMatch reports whether two loopback URLs match ignoring port.
func loopbackMatch(registered, candidate *url.URL) bool {
	if !isLoopbackURL(registered) || !isLoopbackURL(candidate) {
		return false
	}
	return registered.Scheme == candidate.Scheme &&
		registered.Hostname() == candidate.Hostname() &&
		registered.Path == candidate.Path
}

func isLoopbackURL(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateScopes checks a space-separated scope string against the
// configured supported scopes. An empty configuration allows any scope.
func (s *Server) validateScopes(scope string) error {
	if scope == "" || len(s.config.SupportedScopes) == 0 {
		return nil
	}
	supported := make(map[string]bool, len(s.config.SupportedScopes))
	for _, sc := range s.config.SupportedScopes {
		supported[sc] = true
	}
	for _, requested := range strings.Fields(scope) {
		if !supported[requested] {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", requested))
		}
	}
	return nil
}
