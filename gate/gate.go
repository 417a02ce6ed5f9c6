// Package gate is the per-request security gate in front of the protocol
// endpoint. It validates transport preconditions (origin, protocol version),
// then branches on the presence and validity of a bearer credential: pass the
// request through with an attached auth context, issue a 401 challenge bound
// to a session id, or reject.
//
// The gate never exposes the resource-server token downstream. When a bearer
// token resolves through the credential store, the auth context's resolved
// authorization header carries the upstream provider's own access token.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/authgate/mcp-authgate/authctx"
	"github.com/authgate/mcp-authgate/instrumentation"
	"github.com/authgate/mcp-authgate/internal/util"
	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/session"
	"github.com/authgate/mcp-authgate/storage"
)

// DefaultSupportedVersions are the protocol revisions accepted when the
// configuration does not name any.
var DefaultSupportedVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// Config controls the gate's behavior.
type Config struct {
	// Enabled turns authentication on. When false every request passes with
	// no auth context, but origin and version validation still apply.
	Enabled bool

	// DevMode relaxes origin validation for local development.
	DevMode bool

	// AllowedOrigins is the browser Origin allow-list. Requests without an
	// Origin header are not browsers and always pass this check.
	AllowedOrigins []string

	// SupportedVersions lists acceptable MCP-Protocol-Version values. An
	// absent header is accepted; a present unsupported one is fatal.
	SupportedVersions []string

	// RequireResourceTokens rejects bearer tokens that do not resolve
	// through the credential store. When false an unresolvable token passes
	// through unmodified for upstreams that accept provider tokens directly.
	RequireResourceTokens bool

	// ResourceMetadataURL is the protected-resource metadata URL advertised
	// in challenges. When empty it is derived from ExternalResourceURI or
	// the request's own origin.
	ResourceMetadataURL string

	// ExternalResourceURI is the public origin this gateway is reachable
	// under, preferred over the request's own origin when deriving the
	// metadata URL. The proxy may bind on a different address than clients
	// see.
	ExternalResourceURI string
}

func (c *Config) applyDefaults() {
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = DefaultSupportedVersions
	}
}

// Decision is the outcome of authenticating one request.
type Decision int

const (
	// DecisionPass lets the request through, with or without an auth context.
	DecisionPass Decision = iota

	// DecisionChallenge instructs the client to authenticate and retry.
	DecisionChallenge

	// DecisionReject terminates the request with a fatal validation error.
	DecisionReject
)

// Challenge is a 401 instructing the client to authenticate. It always
// carries a session id so the retry can correlate with this exchange.
type Challenge struct {
	SessionID           string
	ResourceMetadataURL string
}

// Result is what Authenticate produced for a request.
type Result struct {
	Decision Decision

	// AuthContext is set on pass when the request carried a resolvable
	// identity. Nil when authentication is disabled.
	AuthContext *authctx.AuthContext

	// Challenge is set when Decision is DecisionChallenge.
	Challenge *Challenge

	// Status and Err describe a rejection.
	Status int
	Err    error
}

// Gate authenticates inbound protocol requests.
type Gate struct {
	credentials storage.CredentialStore
	config      *Config

	Logger  *slog.Logger
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
}

// New creates a gate. The credential store may be nil only when
// authentication is disabled.
func New(credentials storage.CredentialStore, config *Config, logger *slog.Logger) (*Gate, error) {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if config.Enabled && credentials == nil {
		return nil, fmt.Errorf("credential store is required when authentication is enabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		credentials: credentials,
		config:      config,
		Logger:      logger,
	}, nil
}

// Authenticate runs the gate steps in order: origin, protocol version, then
// the bearer branch. Fatal validation failures reject without binding a
// session; a missing or unresolvable credential yields a challenge so the
// client can recover.
func (g *Gate) Authenticate(r *http.Request) Result {
	if err := g.validateOrigin(r); err != nil {
		g.auditFailure(r, "origin_rejected")
		g.Metrics.RecordRequestRejected(r.Context(), "origin")
		return Result{Decision: DecisionReject, Status: http.StatusForbidden, Err: err}
	}
	if err := g.validateProtocolVersion(r); err != nil {
		g.auditFailure(r, "unsupported_protocol_version")
		g.Metrics.RecordRequestRejected(r.Context(), "protocol_version")
		return Result{Decision: DecisionReject, Status: http.StatusBadRequest, Err: err}
	}

	if !g.config.Enabled {
		return Result{Decision: DecisionPass}
	}

	token, inbound, ok := extractBearerToken(r)
	if !ok {
		return g.challenge(r)
	}

	cred, err := g.credentials.GetByResourceToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			// Store failures degrade to not-found so the client sees the
			// uniform challenge path instead of a backend error.
			g.Logger.Warn("Credential lookup failed, treating as not found",
				"error", err,
				"token_prefix", util.SafeTruncate(token, 8))
		}
		if g.config.RequireResourceTokens {
			g.auditFailure(r, "unresolvable_resource_token")
			return g.challenge(r)
		}
		// Direct bearer pass-through: the token goes upstream unresolved.
		return Result{Decision: DecisionPass, AuthContext: &authctx.AuthContext{
			Strategy:        authctx.StrategyBearer,
			InboundHeaders:  map[string]string{"Authorization": inbound},
			ResolvedHeaders: map[string]string{"Authorization": inbound},
			ResourceToken:   token,
			SessionID:       r.Header.Get(session.SessionIDHeader),
		}}
	}

	actx := &authctx.AuthContext{
		Strategy:        authctx.StrategyOAuth,
		InboundHeaders:  map[string]string{"Authorization": inbound},
		ResolvedHeaders: map[string]string{"Authorization": "Bearer " + cred.AccessToken},
		ProviderToken:   cred.AccessToken,
		ProviderCredential: &authctx.Credential{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
		},
		ResourceToken: token,
		SessionID:     r.Header.Get(session.SessionIDHeader),
	}
	if !cred.Expiry.IsZero() {
		actx.ProviderCredential.ExpiresAt = cred.Expiry.Unix()
	}
	if g.Auditor != nil {
		g.Auditor.LogEvent(security.Event{
			Type:      security.EventCredentialResolution,
			SessionID: actx.SessionID,
			IPAddress: security.GetClientIP(r, false, 0),
		})
	}
	return Result{Decision: DecisionPass, AuthContext: actx}
}

// challenge builds the 401 result, reusing the client's session id when one
// was supplied and minting one otherwise.
func (g *Gate) challenge(r *http.Request) Result {
	sessionID := r.Header.Get(session.SessionIDHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ch := &Challenge{
		SessionID:           sessionID,
		ResourceMetadataURL: g.resourceMetadataURL(r),
	}
	if g.Auditor != nil {
		g.Auditor.LogChallengeIssued(sessionID, security.GetClientIP(r, false, 0))
	}
	g.Metrics.RecordChallengeIssued(r.Context())
	return Result{Decision: DecisionChallenge, Challenge: ch}
}

// validateOrigin checks the browser Origin header against the allow-list.
// Non-browser clients send no Origin and pass.
func (g *Gate) validateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" || g.config.DevMode {
		return nil
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(util.NormalizeURL(allowed), util.NormalizeURL(origin)) {
			return nil
		}
	}
	return fmt.Errorf("origin %q is not allowed", origin)
}

func (g *Gate) validateProtocolVersion(r *http.Request) error {
	version := r.Header.Get(session.ProtocolVersionHeader)
	if version == "" {
		return nil
	}
	for _, v := range g.config.SupportedVersions {
		if v == version {
			return nil
		}
	}
	return fmt.Errorf("unsupported protocol version %q", version)
}

// resourceMetadataURL resolves the metadata location advertised in the
// challenge, preferring configuration over the request's own origin.
func (g *Gate) resourceMetadataURL(r *http.Request) string {
	if g.config.ResourceMetadataURL != "" {
		return g.config.ResourceMetadataURL
	}
	base := g.config.ExternalResourceURI
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return util.NormalizeURL(base) + "/.well-known/oauth-protected-resource"
}

// extractBearerToken splits the Authorization header into the raw token and
// the header value as sent. ok is false when no bearer credential is present.
func extractBearerToken(r *http.Request) (token, header string, ok bool) {
	header = r.Header.Get("Authorization")
	if header == "" {
		return "", "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "", false
	}
	return parts[1], header, true
}

func (g *Gate) auditFailure(r *http.Request, reason string) {
	if g.Auditor != nil {
		g.Auditor.LogAuthFailure("", security.GetClientIP(r, false, 0), reason)
	}
}
