// Package session owns the mapping from session ids to live protocol
// transports. It creates transports on initialize, guarantees each transport
// is connected at most once regardless of request races, and tears sessions
// down on explicit termination.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Transport is a stateful duplex channel bound to exactly one session. The
// registry owns it exclusively once created: Connect runs at most once per
// instance, and Close releases it on termination.
type Transport interface {
	// Connect establishes the underlying channel. The registry guarantees a
	// single invocation per transport instance.
	Connect(ctx context.Context) error

	// HandleRequest serves one HTTP exchange for this session. body is the
	// request body for POST, nil otherwise.
	HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) error

	// Close releases the transport. Called once, on session termination.
	Close(ctx context.Context) error
}

// MessageHandler processes a single JSON-RPC message and returns the
// serialized response, or nil for notifications that produce none.
type MessageHandler interface {
	HandleMessage(ctx context.Context, message json.RawMessage) json.RawMessage
}

// Canonical protocol headers.
const (
	// SessionIDHeader carries the session identifier on every non-initialize
	// request and on challenge and initialize responses.
	SessionIDHeader = "Mcp-Session-Id"

	// ProtocolVersionHeader carries the protocol revision the client speaks.
	ProtocolVersionHeader = "MCP-Protocol-Version"
)

// methodInitialize is the protocol method that establishes a session.
const methodInitialize = "initialize"

// rpcProbe is the subset of a JSON-RPC message the transport layer inspects
// before dispatch.
type rpcProbe struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// StreamableTransport is the default Transport: one JSON-RPC message per
// POST answered in the response body, 202 for notifications, and a minimal
// SSE stream on GET for clients that open one.
type StreamableTransport struct {
	sessionID string
	handler   MessageHandler
	logger    *slog.Logger

	// onInitialized registers the session binding exactly once, at the
	// moment the protocol layer confirms establishment rather than at
	// construction. Requests that fail before initialization completes
	// never register a session.
	onInitialized   func()
	initializedOnce sync.Once
}

// NewStreamableTransport creates a transport for one session. onInitialized
// may be nil.
func NewStreamableTransport(sessionID string, handler MessageHandler, logger *slog.Logger, onInitialized func()) *StreamableTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableTransport{
		sessionID:     sessionID,
		handler:       handler,
		logger:        logger,
		onInitialized: onInitialized,
	}
}

// SessionID returns the session this transport is bound to.
func (t *StreamableTransport) SessionID() string {
	return t.sessionID
}

// Connect is a no-op for the streamable transport: the channel is the HTTP
// exchange itself. It exists so the registry's connect-once guard applies
// uniformly to transports that do dial out.
func (t *StreamableTransport) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op counterpart to Connect.
func (t *StreamableTransport) Close(ctx context.Context) error {
	return nil
}

// HandleRequest serves one exchange.
func (t *StreamableTransport) HandleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) error {
	switch r.Method {
	case http.MethodPost:
		return t.handlePost(ctx, w, body)
	case http.MethodGet:
		return t.handleStream(w)
	case http.MethodDelete:
		w.Header().Set(SessionIDHeader, t.sessionID)
		w.WriteHeader(http.StatusOK)
		return nil
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

func (t *StreamableTransport) handlePost(ctx context.Context, w http.ResponseWriter, body []byte) error {
	var probe rpcProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		return fmt.Errorf("malformed message: %w", err)
	}

	response := t.handler.HandleMessage(ctx, json.RawMessage(body))

	if probe.Method == methodInitialize && response != nil && !isRPCError(response) {
		t.initializedOnce.Do(func() {
			if t.onInitialized != nil {
				t.onInitialized()
			}
		})
	}

	w.Header().Set(SessionIDHeader, t.sessionID)
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		// Notification: accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if response != nil {
		if _, err := w.Write(response); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return nil
}

// handleStream opens the server-to-client event stream. The gateway keeps
// this minimal: it acknowledges the stream and returns, leaving long-lived
// push delivery to the upstream handler's own mechanisms.
func (t *StreamableTransport) handleStream(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionIDHeader, t.sessionID)
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, ": session %s\n\n", t.sessionID); err != nil {
		return fmt.Errorf("failed to write stream preamble: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// isRPCError reports whether a serialized JSON-RPC response carries an error
// member.
func isRPCError(response json.RawMessage) bool {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return false
	}
	return len(envelope.Error) > 0 && string(envelope.Error) != "null"
}
