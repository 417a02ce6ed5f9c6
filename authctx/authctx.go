// Package authctx propagates resolved authentication state from the security
// gate to the protocol handlers that eventually serve the request.
//
// The protocol layer dispatches work asynchronously: the handler that needs
// the resolved credential only sees the request's own protocol-level id, not
// the HTTP request that carried it. The registry therefore keys contexts by
// request id alone, independent of call stacks or closures, and is safe for
// concurrent create/lookup/discard across many in-flight requests.
package authctx

import (
	"context"
	"fmt"
	"sync"
)

// Strategy identifies how a request authenticated.
type Strategy string

const (
	// StrategyOAuth means a resource-server token was resolved to an
	// upstream provider credential.
	StrategyOAuth Strategy = "oauth"

	// StrategyBearer means a bearer token was passed through unresolved.
	StrategyBearer Strategy = "bearer"

	// StrategyAPIKey means a static API key authenticated the request.
	StrategyAPIKey Strategy = "api_key"

	// StrategyCustom means an application-supplied authenticator ran.
	StrategyCustom Strategy = "custom"

	// StrategyNone means authentication is disabled or absent.
	StrategyNone Strategy = "none"
)

// AuthContext carries the authentication outcome for one request. It is
// created per request that presents a resolvable identity, consumed by the
// protocol handler processing that request, and never persisted beyond the
// request's lifetime.
type AuthContext struct {
	Strategy Strategy

	// InboundHeaders are the auth-relevant headers exactly as the client
	// sent them.
	InboundHeaders map[string]string

	// ResolvedHeaders are the headers a downstream handler should use when
	// acting on the client's behalf. For resolved resource-server tokens the
	// authorization value carries the provider's own access token, never the
	// resource-server token.
	ResolvedHeaders map[string]string

	// ProviderToken is the upstream access token, when resolved.
	ProviderToken string

	// ProviderCredential is the full upstream credential, when resolved.
	ProviderCredential *Credential

	// ResourceToken is the resource-server token the client presented.
	ResourceToken string

	// SessionID is the session the request belongs to, when known.
	SessionID string
}

// Credential is the provider credential attached to an AuthContext.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix seconds, zero when the provider sets no expiry
	Scopes       []string
}

type contextKey struct{}

// WithContext attaches an auth context to a context.Context for the HTTP
// leg of a request, before the protocol layer takes over and the registry
// becomes the lookup mechanism.
func WithContext(ctx context.Context, actx *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actx)
}

// FromContext returns the auth context attached to a context.Context, or nil.
func FromContext(ctx context.Context) *AuthContext {
	actx, _ := ctx.Value(contextKey{}).(*AuthContext)
	return actx
}

// DefaultMaxEntries caps the registry so requests that never discard their
// context (crashed handlers, lost responses) cannot grow it without bound.
const DefaultMaxEntries = 10000

// Registry is a request-scoped store of AuthContexts keyed by request id.
type Registry struct {
	mu         sync.RWMutex
	contexts   map[string]*AuthContext
	maxEntries int
}

// NewRegistry creates a registry with the default size cap.
func NewRegistry() *Registry {
	return NewRegistryWithCap(DefaultMaxEntries)
}

// NewRegistryWithCap creates a registry holding at most maxEntries contexts.
// Zero or negative means the default cap.
func NewRegistryWithCap(maxEntries int) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Registry{
		contexts:   make(map[string]*AuthContext),
		maxEntries: maxEntries,
	}
}

// Create registers an auth context under a request id. Requests without a
// protocol-level id (notifications) get no context; callers skip Create for
// them. A duplicate id overwrites: retried requests reuse their id and the
// newest resolution wins.
func (r *Registry) Create(requestID string, sessionID string, actx *AuthContext) error {
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	if actx == nil {
		return fmt.Errorf("auth context is required")
	}
	actx.SessionID = sessionID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[requestID]; !exists && len(r.contexts) >= r.maxEntries {
		return fmt.Errorf("auth context registry full (%d entries)", r.maxEntries)
	}
	r.contexts[requestID] = actx
	return nil
}

// Get returns the auth context for a request id, or nil.
func (r *Registry) Get(requestID string) *AuthContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contexts[requestID]
}

// Discard removes the context for a request id once its response has been
// produced. Discarding an unknown id is a no-op.
func (r *Registry) Discard(requestID string) {
	r.mu.Lock()
	delete(r.contexts, requestID)
	r.mu.Unlock()
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
