package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/mcp-authgate/authctx"
	"github.com/authgate/mcp-authgate/instrumentation"
	"github.com/authgate/mcp-authgate/security"
)

// echoHandler answers every request with a trivial result and ignores
// notifications, mirroring the shape of a real protocol server.
type echoHandler struct{}

func (echoHandler) HandleMessage(_ context.Context, message json.RawMessage) json.RawMessage {
	var probe rpcProbe
	if err := json.Unmarshal(message, &probe); err != nil {
		return nil
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return nil
	}
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, probe.ID))
}

// failingHandler rejects initialize with a protocol-level error.
type failingHandler struct{}

func (failingHandler) HandleMessage(_ context.Context, _ json.RawMessage) json.RawMessage {
	return json.RawMessage(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"rejected"}}`)
}

// countingTransport records Connect invocations.
type countingTransport struct {
	StreamableTransport
	connects atomic.Int32
}

func (t *countingTransport) Connect(ctx context.Context) error {
	t.connects.Add(1)
	return nil
}

func newTestRegistry(t *testing.T, handler MessageHandler, opts ...Option) *Registry {
	t.Helper()
	factory := func(sessionID string, onInitialized func()) (Transport, error) {
		return NewStreamableTransport(sessionID, handler, nil, onInitialized), nil
	}
	reg, err := NewRegistry(factory, opts...)
	require.NoError(t, err)
	return reg
}

func postMessage(reg *Registry, sessionID, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	if sessionID != "" {
		r.Header.Set(SessionIDHeader, sessionID)
	}
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, r)
	return w
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`

func TestInitializeCreatesSession(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	w := postMessage(reg, "", initializeBody)

	assert.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID, "initialize response must carry a session id")

	_, ok := reg.Get(sessionID)
	assert.True(t, ok, "session should be registered after successful initialize")
	assert.Equal(t, 1, reg.Len())
}

func TestInitializeReusesClientSuppliedID(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	w := postMessage(reg, "client-chosen-id", initializeBody)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-chosen-id", w.Header().Get(SessionIDHeader))
}

func TestFailedInitializeDoesNotRegister(t *testing.T) {
	reg := newTestRegistry(t, failingHandler{})

	w := postMessage(reg, "", initializeBody)

	// The error response still flows back to the client.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, reg.Len(), "a rejected initialize must not leave a session behind")
}

func TestNonInitializeWithoutSessionHeader(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	w := postMessage(reg, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "-32000")
}

func TestUnknownSession(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	w := postMessage(reg, "never-initialized", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationAccepted(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})
	w := postMessage(reg, "", initializeBody)
	sessionID := w.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	w = postMessage(reg, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestMalformedMessage(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	w := postMessage(reg, "", `{not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnsureConnectedRunsConnectOnce(t *testing.T) {
	ct := &countingTransport{}
	reg, err := NewRegistry(func(string, func()) (Transport, error) { return ct, nil })
	require.NoError(t, err)

	require.NoError(t, reg.EnsureConnected(context.Background(), ct))
	require.NoError(t, reg.EnsureConnected(context.Background(), ct))
	require.NoError(t, reg.EnsureConnected(context.Background(), ct))

	assert.Equal(t, int32(1), ct.connects.Load())
}

func TestConnectFailureReleasesGuard(t *testing.T) {
	failing := &flakyTransport{failuresLeft: 1}
	reg, err := NewRegistry(func(string, func()) (Transport, error) { return failing, nil })
	require.NoError(t, err)

	assert.Error(t, reg.EnsureConnected(context.Background(), failing))
	// The guard was released, so the retry reaches Connect again.
	assert.NoError(t, reg.EnsureConnected(context.Background(), failing))
	assert.Equal(t, 2, failing.connects)
}

type flakyTransport struct {
	StreamableTransport
	failuresLeft int
	connects     int
}

func (t *flakyTransport) Connect(ctx context.Context) error {
	t.connects++
	if t.failuresLeft > 0 {
		t.failuresLeft--
		return fmt.Errorf("dial refused")
	}
	return nil
}

func TestDeleteTerminatesSession(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})
	w := postMessage(reg, "", initializeBody)
	sessionID := w.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	// GET resolves while the session lives.
	r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	r.Header.Set(SessionIDHeader, sessionID)
	w = httptest.NewRecorder()
	reg.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	r.Header.Set(SessionIDHeader, sessionID)
	w = httptest.NewRecorder()
	reg.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, reg.Len())

	// The id no longer resolves.
	r = httptest.NewRequest(http.MethodGet, "/mcp", nil)
	r.Header.Set(SessionIDHeader, sessionID)
	w = httptest.NewRecorder()
	reg.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteEmitsAuditEvent(t *testing.T) {
	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true)
	inst, err := instrumentation.New(instrumentation.Config{})
	require.NoError(t, err)

	reg := newTestRegistry(t, echoHandler{}, WithAuditor(auditor), WithMetrics(inst.Metrics()))
	w := postMessage(reg, "", initializeBody)
	sessionID := w.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	r := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	r.Header.Set(SessionIDHeader, sessionID)
	w = httptest.NewRecorder()
	reg.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, buf.String(), security.EventSessionTerminated)
	// Session ids are never logged raw.
	assert.NotContains(t, buf.String(), sessionID)
}

func TestSessionLimit(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{}, WithMaxSessions(1))

	w := postMessage(reg, "first", initializeBody)
	require.Equal(t, http.StatusOK, w.Code)

	w = postMessage(reg, "second", initializeBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "-32603")
}

func TestUnsupportedMethod(t *testing.T) {
	reg := newTestRegistry(t, echoHandler{})

	r := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuthContextBoundForDispatch(t *testing.T) {
	contexts := authctx.NewRegistry()

	var duringDispatch *authctx.AuthContext
	handler := captureHandler{registry: contexts, captured: &duringDispatch}
	reg := newTestRegistry(t, handler, WithAuthContexts(contexts))

	w := postMessage(reg, "", initializeBody)
	sessionID := w.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	actx := &authctx.AuthContext{Strategy: authctx.StrategyOAuth, ProviderToken: "pt"}
	r := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":"req-7","method":"tools/call"}`))
	r.Header.Set(SessionIDHeader, sessionID)
	r = r.WithContext(authctx.WithContext(r.Context(), actx))
	w = httptest.NewRecorder()
	reg.ServeHTTP(w, r)

	require.NotNil(t, duringDispatch, "handler should observe the bound context")
	assert.Equal(t, "pt", duringDispatch.ProviderToken)
	// Discarded once the request completes.
	assert.Equal(t, 0, contexts.Len())
}

// captureHandler looks the auth context up by request id mid-dispatch.
type captureHandler struct {
	registry *authctx.Registry
	captured **authctx.AuthContext
}

func (h captureHandler) HandleMessage(_ context.Context, message json.RawMessage) json.RawMessage {
	var probe rpcProbe
	if err := json.Unmarshal(message, &probe); err != nil {
		return nil
	}
	id := strings.Trim(string(probe.ID), `"`)
	if actx := h.registry.Get(id); actx != nil {
		*h.captured = actx
	}
	if len(probe.ID) == 0 {
		return nil
	}
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, probe.ID))
}
