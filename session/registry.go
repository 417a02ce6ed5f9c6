package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/authgate/mcp-authgate/authctx"
	"github.com/authgate/mcp-authgate/instrumentation"
	"github.com/authgate/mcp-authgate/internal/jsonrpc"
	"github.com/authgate/mcp-authgate/security"
)

// maxRequestBody bounds a single protocol message.
const maxRequestBody = 4 << 20

// DefaultMaxSessions caps concurrent sessions as DoS protection.
const DefaultMaxSessions = 10000

// TransportFactory constructs the transport for a new session. onInitialized
// must be invoked by the transport exactly when the protocol layer confirms
// session establishment; the registry uses it to defer registration past
// requests that fail before initializing.
type TransportFactory func(sessionID string, onInitialized func()) (Transport, error)

// Registry owns the session id to transport mapping. A session id, once
// bound, always resolves to the same transport instance until the session is
// explicitly terminated.
type Registry struct {
	mu          sync.Mutex
	transports  map[string]Transport
	connected   map[Transport]struct{}
	factory     TransportFactory
	maxSessions int

	authContexts *authctx.Registry
	logger       *slog.Logger
	auditor      *security.Auditor
	metrics      *instrumentation.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxSessions overrides the session cap.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSessions = n
		}
	}
}

// WithAuthContexts wires the auth context registry used to hand resolved
// credentials to protocol handlers.
func WithAuthContexts(contexts *authctx.Registry) Option {
	return func(r *Registry) {
		r.authContexts = contexts
	}
}

// WithAuditor wires security audit logging for session lifecycle events.
func WithAuditor(auditor *security.Auditor) Option {
	return func(r *Registry) {
		r.auditor = auditor
	}
}

// WithMetrics wires session lifecycle counters.
func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates a session registry backed by the given factory.
func NewRegistry(factory TransportFactory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	r := &Registry{
		transports:  make(map[string]Transport),
		connected:   make(map[Transport]struct{}),
		factory:     factory,
		maxSessions: DefaultMaxSessions,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get returns the transport bound to a session id.
func (reg *Registry) Get(sessionID string) (Transport, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	t, ok := reg.transports[sessionID]
	return t, ok
}

// Len returns the number of registered sessions.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.transports)
}

// CreateForInitialize resolves the transport for an initialize request. A
// client-supplied session id is reused; otherwise a fresh unguessable id is
// minted. An existing transport for the id wins; a new one registers itself
// only when its onInitialized callback fires.
//
// Two requests racing to initialize the same fresh session may each build a
// transport; registration is last-write-wins and the loser is discarded,
// which initialize semantics tolerate.
func (reg *Registry) CreateForInitialize(clientSuppliedID string) (string, Transport, error) {
	sessionID := clientSuppliedID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	reg.mu.Lock()
	if t, ok := reg.transports[sessionID]; ok {
		reg.mu.Unlock()
		return sessionID, t, nil
	}
	if len(reg.transports) >= reg.maxSessions {
		reg.mu.Unlock()
		return "", nil, fmt.Errorf("session limit reached (%d)", reg.maxSessions)
	}
	reg.mu.Unlock()

	var t Transport
	onInitialized := func() {
		reg.mu.Lock()
		reg.transports[sessionID] = t
		reg.mu.Unlock()
		reg.metrics.RecordSessionCreated(context.Background())
		reg.logger.Debug("Session registered", "session_id_len", len(sessionID))
	}
	t, err := reg.factory(sessionID, onInitialized)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return sessionID, t, nil
}

// EnsureConnected connects a transport at most once, however many requests
// observe it before the connect completes. The identity-keyed guard is set
// under the lock before Connect runs, so a concurrent caller sees the
// transport as already connected and returns immediately.
func (reg *Registry) EnsureConnected(ctx context.Context, t Transport) error {
	reg.mu.Lock()
	if _, done := reg.connected[t]; done {
		reg.mu.Unlock()
		return nil
	}
	reg.connected[t] = struct{}{}
	reg.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		reg.mu.Lock()
		delete(reg.connected, t)
		reg.mu.Unlock()
		return fmt.Errorf("transport connect failed: %w", err)
	}
	return nil
}

// Delete removes a session binding and releases its connect guard.
func (reg *Registry) Delete(sessionID string) {
	reg.mu.Lock()
	t, ok := reg.transports[sessionID]
	delete(reg.transports, sessionID)
	if ok {
		delete(reg.connected, t)
	}
	reg.mu.Unlock()
}

// ServeHTTP dispatches protocol requests to session transports: POST carries
// messages (initialize creates the session), GET opens the event stream,
// DELETE terminates the session.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		reg.handlePost(w, r)
	case http.MethodGet, http.MethodDelete:
		reg.handleSessionScoped(w, r)
	default:
		jsonrpc.WriteError(w, http.StatusMethodNotAllowed, jsonrpc.CodeNoSession, "Method not allowed")
	}
}

func (reg *Registry) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		jsonrpc.WriteError(w, http.StatusBadRequest, jsonrpc.CodeInternalError, "Failed to read request body")
		return
	}

	var probe rpcProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		return
	}

	var (
		sessionID string
		t         Transport
	)
	if probe.Method == methodInitialize {
		sessionID, t, err = reg.CreateForInitialize(r.Header.Get(SessionIDHeader))
		if err != nil {
			reg.logger.Warn("Failed to create session", "error", err)
			jsonrpc.WriteError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Failed to create session")
			return
		}
	} else {
		sessionID = r.Header.Get(SessionIDHeader)
		if sessionID == "" {
			jsonrpc.WriteError(w, http.StatusMethodNotAllowed, jsonrpc.CodeNoSession, "Method not allowed: no active session")
			return
		}
		var ok bool
		if t, ok = reg.Get(sessionID); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	if err := reg.EnsureConnected(r.Context(), t); err != nil {
		reg.logger.Error("Transport connect failed", "error", err)
		jsonrpc.WriteError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Failed to connect session")
		return
	}

	requestID := reg.bindAuthContext(r, sessionID, probe.ID)
	if requestID != "" {
		defer reg.authContexts.Discard(requestID)
	}

	if err := t.HandleRequest(r.Context(), w, r, body); err != nil {
		// The transport already wrote its response; a failure here is local
		// to this session and must not disturb the others.
		reg.logger.Warn("Transport request failed", "error", err)
	}
}

func (reg *Registry) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		jsonrpc.WriteError(w, http.StatusMethodNotAllowed, jsonrpc.CodeNoSession, "Method not allowed: no active session")
		return
	}
	t, ok := reg.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	if err := t.HandleRequest(r.Context(), w, r, nil); err != nil {
		reg.logger.Warn("Transport request failed", "error", err)
	}

	if r.Method == http.MethodDelete {
		// The transport saw the terminating request first and has emitted
		// whatever close semantics it needed upstream.
		reg.Delete(sessionID)
		if err := t.Close(r.Context()); err != nil {
			reg.logger.Warn("Transport close failed", "error", err)
		}
		if reg.auditor != nil {
			reg.auditor.LogEvent(security.Event{
				Type:      security.EventSessionTerminated,
				SessionID: sessionID,
				IPAddress: security.GetClientIP(r, false, 0),
			})
		}
		reg.metrics.RecordSessionTerminated(r.Context())
		reg.logger.Info("Session terminated")
	}
}

// bindAuthContext registers the request's resolved auth context under its
// protocol-level id so the eventual handler can look it up. Notifications
// carry no id and get no context. Returns the registry key, or "".
func (reg *Registry) bindAuthContext(r *http.Request, sessionID string, rawID json.RawMessage) string {
	if reg.authContexts == nil {
		return ""
	}
	actx := authctx.FromContext(r.Context())
	if actx == nil {
		return ""
	}
	requestID := renderRequestID(rawID)
	if requestID == "" {
		return ""
	}
	if err := reg.authContexts.Create(requestID, sessionID, actx); err != nil {
		reg.logger.Warn("Failed to register auth context", "error", err)
		return ""
	}
	return requestID
}

// renderRequestID turns a JSON-RPC id (string or number) into a map key.
func renderRequestID(rawID json.RawMessage) string {
	if len(rawID) == 0 {
		return ""
	}
	id := strings.Trim(string(rawID), `"`)
	if id == "" || id == "null" {
		return ""
	}
	return id
}
