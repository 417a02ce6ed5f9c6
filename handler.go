// Package authgate is the HTTP surface of the MCP authorization gateway. It
// binds the OAuth proxy flow, the security gate, and the session transport
// registry into one route tree: the well-known discovery documents, the
// authorize/callback/token/revoke/register endpoints, and the protected
// protocol endpoint itself.
package authgate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/authgate/mcp-authgate/gate"
	"github.com/authgate/mcp-authgate/instrumentation"
	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/server"
	"github.com/authgate/mcp-authgate/session"
)

// Well-known document paths.
const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
)

// maxRegistrationBody bounds a client registration request.
const maxRegistrationBody = 64 * 1024

// Handler serves the gateway's HTTP endpoints.
type Handler struct {
	flows    *server.Server
	gate     *gate.Gate
	sessions *session.Registry
	strategy server.Strategy

	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter wires per-IP rate limiting on the token, register and
// authorize endpoints.
func WithRateLimiter(rl *security.RateLimiter) HandlerOption {
	return func(h *Handler) { h.rateLimiter = rl }
}

// WithInstrumentation wires telemetry.
func WithInstrumentation(inst *instrumentation.Instrumentation) HandlerOption {
	return func(h *Handler) { h.inst = inst }
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates the HTTP handler. sessions may be nil for deployments
// that serve the OAuth surface only.
func NewHandler(flows *server.Server, g *gate.Gate, sessions *session.Registry, opts ...HandlerOption) (*Handler, error) {
	if flows == nil {
		return nil, errors.New("flow server is required")
	}
	if g == nil {
		return nil, errors.New("gate is required")
	}
	h := &Handler{
		flows:    flows,
		gate:     g,
		sessions: sessions,
		strategy: server.StrategyFor(flows.ActiveConfig()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterRoutes attaches all gateway routes to a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(AuthorizationServerMetadataPath, h.wrap(http.HandlerFunc(h.ServeAuthorizationServerMetadata)))
	mux.Handle(ProtectedResourceMetadataPath, h.wrap(http.HandlerFunc(h.ServeProtectedResourceMetadata)))
	mux.Handle("/authorize", h.wrap(http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle("/callback", h.wrap(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("/token", h.wrap(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/revoke", h.wrap(http.HandlerFunc(h.ServeRevocation)))
	mux.Handle("/register", h.wrap(http.HandlerFunc(h.ServeClientRegistration)))

	if h.sessions != nil {
		mux.Handle(h.flows.ActiveConfig().ResourcePath, h.gate.Middleware(h.sessions))
	}
}

// wrap applies the ambient middleware to an OAuth endpoint: request ids,
// security headers, and request metrics.
func (h *Handler) wrap(next http.Handler) http.Handler {
	metered := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if h.inst != nil {
			h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, sw.status,
				float64(time.Since(start).Milliseconds()))
		}
	})
	return security.RequestIDMiddleware(security.SecurityHeadersMiddleware(metered))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ==================== Discovery documents ====================

// ServeAuthorizationServerMetadata serves the RFC 8414 document. The
// endpoints advertised are always the gateway's own, never the upstream
// provider's.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cfg := h.flows.ActiveConfig()
	eps := h.strategy.Resolve(server.ResolveOrigin(r, cfg))
	metadata := AuthorizationServerMetadata{
		Issuer:                            eps.AuthBase,
		AuthorizationEndpoint:             eps.AuthBase + "/authorize",
		TokenEndpoint:                     eps.AuthBase + "/token",
		RevocationEndpoint:                eps.AuthBase + "/revoke",
		RegistrationEndpoint:              eps.AuthBase + "/register",
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     h.codeChallengeMethods(),
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeProtectedResourceMetadata serves the RFC 9728 document, echoing the
// session id header when the client sent one so challenges and discovery
// stay correlated.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cfg := h.flows.ActiveConfig()
	eps := h.strategy.Resolve(server.ResolveOrigin(r, cfg))
	metadata := ProtectedResourceMetadata{
		Resource:               eps.ResourceBase,
		AuthorizationServers:   []string{eps.MetadataURL},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        cfg.SupportedScopes,
	}

	if sessionID := r.Header.Get(session.SessionIDHeader); sessionID != "" {
		w.Header().Set(session.SessionIDHeader, sessionID)
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

func (h *Handler) codeChallengeMethods() []string {
	if h.flows.ActiveConfig().AllowPKCEPlain {
		return []string{server.PKCEMethodS256, server.PKCEMethodPlain}
	}
	return []string{server.PKCEMethodS256}
}

// ==================== Authorization ====================

// ServeAuthorization handles GET /authorize: validate, persist flow state,
// redirect the user agent to the upstream provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "authorize") {
		return
	}

	req, err := server.ParseAuthorizeRequest(r.URL.Query())
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	req.SessionID = r.Header.Get(session.SessionIDHeader)

	providerURL, err := h.flows.StartAuthorization(r.Context(), req)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, providerURL, http.StatusFound)
}

// ServeCallback handles the provider's redirect back. Provider denial still
// redirects the user agent to the client, carrying access_denied.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	redirectURL, err := h.flows.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		var denied *server.ProviderDeniedError
		if errors.As(err, &denied) && redirectURL != "" {
			h.logger.Info("Provider denied authorization", "provider_error", denied.ProviderCode)
			http.Redirect(w, r, redirectURL, http.StatusFound)
			return
		}
		h.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ==================== Token endpoint ====================

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "token") {
		return
	}

	grant, err := server.ParseGrantRequest(r)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	resp, err := h.flows.Token(r.Context(), grant)
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().RecordTokenIssued(r.Context(), grant.GrantType)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /revoke (RFC 7009). Unknown tokens revoke
// successfully.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed request body"))
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		h.writeOAuthError(w, server.ErrInvalidRequest("token parameter is required"))
		return
	}

	if err := h.flows.Revoke(r.Context(), token); err != nil {
		h.logger.Error("Revocation failed", "error", err)
		h.writeOAuthError(w, server.ErrServerError("revocation failed"))
		return
	}
	if h.inst != nil {
		h.inst.Metrics().RecordTokenRevoked(r.Context())
	}
	w.WriteHeader(http.StatusOK)
}

// ==================== Client registration ====================

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "register") {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.writeOAuthError(w, server.ErrInvalidRequest("malformed registration request"))
		return
	}

	client, secret, err := h.flows.RegisterClient(r.Context(), req.ClientName, req.ClientType, req.RedirectURIs, splitScope(req.Scope))
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:         client.ClientID,
		ClientSecret:     secret,
		ClientIDIssuedAt: client.CreatedAt.Unix(),
		RedirectURIs:     client.RedirectURIs,
		ClientName:       client.ClientName,
	})
}

// ==================== Helpers ====================

// allowRequest enforces the per-IP rate limit when one is configured.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return true
	}
	ip := security.GetClientIP(r, false, 0)
	if h.rateLimiter.Allow(ip) {
		return true
	}
	if h.inst != nil {
		h.inst.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	}
	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", ip)
	w.Header().Set("Retry-After", "1")
	h.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:            server.ErrorCodeRateLimitExceeded,
		ErrorDescription: "too many requests",
	})
	return false
}

// splitScope turns a space-separated scope string into a slice.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeOAuthError renders an error as the standard OAuth error body. Errors
// without an OAuth shape become server_error without leaking detail.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *server.OAuthError
	if !errors.As(err, &oauthErr) {
		h.logger.Error("Internal error", "error", err)
		oauthErr = server.ErrServerError("internal error")
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
