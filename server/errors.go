package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned by the proxy endpoints. The first block is
// standard RFC 6749; the grant-validation codes below are the field-specific
// codes the token endpoint returns before anything reaches the provider.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"

	// Grant-specific validation codes.
	ErrorCodeMissingRefreshToken   = "missing_refresh_token"
	ErrorCodeMissingCodeOrVerifier = "missing_code_or_verifier"
)

// OAuthError is a structured OAuth 2.0 error response.
type OAuthError struct {
	Code        string // OAuth error code, e.g. "invalid_request"
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// Constructors for the common error shapes.
var (
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}
	ErrMissingRefreshToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeMissingRefreshToken, desc, http.StatusBadRequest)
	}
	ErrMissingCodeOrVerifier = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeMissingCodeOrVerifier, desc, http.StatusBadRequest)
	}
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}
)

// ErrProviderDenied marks a callback where the provider reported an error or
// returned no code. Distinct from a malformed callback so the client can be
// told the user denied access rather than that the request was broken.
type ProviderDeniedError struct {
	// ProviderCode is the error code the provider sent, if any.
	ProviderCode string
	// Description is the provider's error description, if any.
	Description string
}

// Error implements the error interface.
func (e *ProviderDeniedError) Error() string {
	if e.ProviderCode == "" {
		return "provider denied authorization"
	}
	return fmt.Sprintf("provider denied authorization: %s (%s)", e.ProviderCode, e.Description)
}
