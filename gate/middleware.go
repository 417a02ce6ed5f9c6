package gate

import (
	"fmt"
	"net/http"

	"github.com/authgate/mcp-authgate/authctx"
	"github.com/authgate/mcp-authgate/internal/jsonrpc"
	"github.com/authgate/mcp-authgate/session"
)

// Middleware wraps a protocol handler with the gate. Rejections and
// challenges terminate here; passing requests continue with the auth context
// attached to the request context. Panics anywhere below the gate become a
// generic internal error instead of taking the process down.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.Logger.Error("Panic in request handling", "panic", fmt.Sprint(rec), "path", r.URL.Path)
				jsonrpc.WriteError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Internal error")
			}
		}()

		result := g.Authenticate(r)
		switch result.Decision {
		case DecisionReject:
			g.Logger.Warn("Request rejected", "error", result.Err, "path", r.URL.Path)
			jsonrpc.WriteError(w, result.Status, jsonrpc.CodeInvalidRequest, result.Err.Error())
			return
		case DecisionChallenge:
			g.WriteChallenge(w, result.Challenge)
			return
		}

		if result.AuthContext != nil {
			r = r.WithContext(authctx.WithContext(r.Context(), result.AuthContext))
		}
		next.ServeHTTP(w, r)
	})
}

// WriteChallenge writes the 401 challenge response: a WWW-Authenticate
// header advertising the protected-resource metadata, the session id the
// client must retry with, and a JSON-RPC error envelope.
func (g *Gate) WriteChallenge(w http.ResponseWriter, ch *Challenge) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer resource_metadata=%q", ch.ResourceMetadataURL))
	w.Header().Set(session.SessionIDHeader, ch.SessionID)
	jsonrpc.WriteError(w, http.StatusUnauthorized, jsonrpc.CodeUnauthorized, "Unauthorized: authentication required")
}
