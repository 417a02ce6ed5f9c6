package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/authgate/mcp-authgate/authctx"
)

// mcpMessageHandler adapts an mcp-go MCPServer to the session transport's
// message handler contract.
type mcpMessageHandler struct {
	srv      *mcpserver.MCPServer
	contexts *authctx.Registry
	logger   *slog.Logger
}

// HandleMessage forwards one JSON-RPC message to the MCP server and returns
// the serialized response, or nil for notifications.
func (h *mcpMessageHandler) HandleMessage(ctx context.Context, message json.RawMessage) json.RawMessage {
	response := h.srv.HandleMessage(h.resolveContext(ctx, message), message)
	if response == nil {
		return nil
	}
	data, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("Failed to marshal MCP response", "error", err)
		return nil
	}
	return data
}

// resolveContext attaches the auth context registered under the message's
// JSON-RPC id, so tool handlers see resolved credentials even when the
// incoming context does not carry them (e.g. a transport that detaches
// protocol dispatch from the HTTP exchange).
func (h *mcpMessageHandler) resolveContext(ctx context.Context, message json.RawMessage) context.Context {
	if h.contexts == nil {
		return ctx
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(message, &probe); err != nil || len(probe.ID) == 0 {
		return ctx
	}
	requestID := strings.Trim(string(probe.ID), `"`)
	if requestID == "" || requestID == "null" {
		return ctx
	}
	if actx := h.contexts.Get(requestID); actx != nil {
		return authctx.WithContext(ctx, actx)
	}
	return ctx
}

// newMCPServer builds the MCP server the gateway fronts, with a whoami tool
// that surfaces the resolved authentication state.
func newMCPServer(logger *slog.Logger) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"authgate",
		version,
		mcpserver.WithToolCapabilities(false),
	)

	whoami := mcp.NewTool("whoami",
		mcp.WithDescription("Report the authentication strategy and scopes of the current session"),
	)
	srv.AddTool(whoami, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actx := authctx.FromContext(ctx)
		info := map[string]any{"strategy": string(authctx.StrategyNone)}
		if actx != nil {
			info["strategy"] = string(actx.Strategy)
			info["session_id"] = actx.SessionID
			if actx.ProviderCredential != nil {
				info["scopes"] = actx.ProviderCredential.Scopes
				info["provider_token_expires_at"] = actx.ProviderCredential.ExpiresAt
			}
		}
		data, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	})

	return srv
}
