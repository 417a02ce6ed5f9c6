// Package jsonrpc provides the minimal JSON-RPC 2.0 error envelope the
// gateway returns for transport-level failures, before any message reaches
// a protocol handler.
package jsonrpc

import (
	"encoding/json"
	"net/http"
)

// Error codes returned at the HTTP boundary.
const (
	// CodeInvalidRequest indicates a request the client can correct, such
	// as a disallowed origin or an unsupported protocol version.
	CodeInvalidRequest = -32600

	// CodeInternalError is the JSON-RPC internal error code.
	CodeInternalError = -32603

	// CodeNoSession indicates a request that requires a session id but
	// did not carry one.
	CodeNoSession = -32000

	// CodeUnauthorized indicates the request must authenticate before the
	// server will process it.
	CodeUnauthorized = -32001
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is a complete JSON-RPC 2.0 error response. The id is null
// because these errors are produced before the request body is parsed.
type ErrorEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Error   Error  `json:"error"`
	ID      any    `json:"id"`
}

// NewErrorEnvelope builds an error envelope with a null id.
func NewErrorEnvelope(code int, message string) ErrorEnvelope {
	return ErrorEnvelope{
		JSONRPC: "2.0",
		Error:   Error{Code: code, Message: message},
		ID:      nil,
	}
}

// WriteError writes a JSON-RPC error envelope with the given HTTP status.
// Headers must be set by the caller before this is invoked.
func WriteError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorEnvelope(code, message))
}
