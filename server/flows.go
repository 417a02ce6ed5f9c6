package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/internal/util"
	"github.com/authgate/mcp-authgate/providers"
	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/storage"
)

// tokenLogPrefix is how many characters of a token may reach the logs.
const tokenLogPrefix = 8

// Server implements the OAuth proxy flow: it drives the upstream provider's
// authorization-code exchange and issues the gateway's own resource-server
// tokens, which are the only token material clients ever see.
type Server struct {
	provider    providers.Provider
	credentials storage.CredentialStore
	flows       storage.FlowStore
	clients     storage.ClientStore
	config      *Config

	// Logger and Auditor may be replaced after construction.
	Logger  *slog.Logger
	Auditor *security.Auditor
}

// New creates a flow server.
func New(
	provider providers.Provider,
	credentials storage.CredentialStore,
	flows storage.FlowStore,
	clients storage.ClientStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if flows == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		provider:    provider,
		credentials: credentials,
		flows:       flows,
		clients:     clients,
		config:      config,
		Logger:      logger,
	}, nil
}

// Config returns the active configuration.
func (s *Server) ActiveConfig() *Config {
	return s.config
}

// Provider returns the upstream provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// ==================== Client registration ====================

// RegisterClient registers an OAuth client. Confidential clients get a
// generated secret, returned exactly once.
func (s *Server) RegisterClient(ctx context.Context, name, clientType string, redirectURIs, scopes []string) (*storage.Client, string, error) {
	if clientType == "" {
		clientType = "public"
	}
	if clientType != "public" && clientType != "confidential" {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unknown client_type %q", clientType))
	}
	for _, uri := range redirectURIs {
		if _, err := url.Parse(uri); err != nil {
			return nil, "", ErrInvalidRedirectURI(fmt.Sprintf("malformed redirect URI %q", uri))
		}
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		ClientType:   clientType,
		ClientName:   name,
		RedirectURIs: redirectURIs,
		Scopes:       scopes,
		CreatedAt:    time.Now(),
	}

	var secret string
	if clientType == "confidential" {
		secret = security.GenerateToken()
		hash, err := hashSecret(secret)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = hash
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventClientRegistered,
			ClientID: client.ClientID,
			Details:  map[string]any{"client_type": clientType, "redirect_uris": len(redirectURIs)},
		})
	}
	return client, secret, nil
}

// ==================== Authorization ====================

// StartAuthorization validates an authorize request and returns the provider
// URL to redirect the user agent to. Nothing is sent to the provider until
// PKCE, redirect URI and scope validation have all passed.
func (s *Server) StartAuthorization(ctx context.Context, req *AuthorizeRequest) (string, error) {
	if err := s.validateChallengeMethod(req.CodeChallengeMethod); err != nil {
		s.auditAuthFailure(req.ClientID, "invalid_pkce_method")
		return "", err
	}

	var client *storage.Client
	if req.ClientID != "" {
		var err error
		client, err = s.clients.GetClient(ctx, req.ClientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.auditAuthFailure(req.ClientID, ErrorCodeInvalidClient)
				return "", ErrInvalidClient(fmt.Sprintf("unknown client %q", req.ClientID))
			}
			return "", fmt.Errorf("client lookup failed: %w", err)
		}
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.auditAuthFailure(req.ClientID, ErrorCodeInvalidRedirectURI)
		return "", err
	}
	if err := s.validateScopes(req.Scope); err != nil {
		s.auditAuthFailure(req.ClientID, ErrorCodeInvalidScope)
		return "", err
	}

	// The provider state is minted here and is distinct from the client's
	// own state, which is only echoed back on the final redirect.
	providerState := security.GenerateToken()
	state := &storage.AuthorizationState{
		ClientState:         req.State,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ProviderState:       providerState,
		SessionID:           req.SessionID,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flows.SaveAuthorizationState(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save authorization state: %w", err)
	}

	return s.provider.AuthorizationURL(providerState, req.CodeChallenge, req.CodeChallengeMethod), nil
}

// HandleCallback processes the provider callback and returns the redirect
// URL that sends the user agent back to the client.
//
// Provider-side denial (an error parameter, or no code) is surfaced as a
// *ProviderDeniedError together with a redirect URL carrying access_denied,
// so the handler can still complete the flow from the user's perspective.
// A missing or unknown state is a malformed request instead.
func (s *Server) HandleCallback(ctx context.Context, q url.Values) (string, error) {
	providerState := q.Get("state")
	if providerState == "" {
		return "", ErrInvalidRequest("state parameter is required")
	}

	authState, err := s.flows.GetAuthorizationStateByProviderState(ctx, providerState)
	if err != nil {
		return "", ErrInvalidGrant("invalid state parameter")
	}
	// One-time use.
	_ = s.flows.DeleteAuthorizationState(ctx, providerState)

	if errCode, code := q.Get("error"), q.Get("code"); errCode != "" || code == "" {
		denied := &ProviderDeniedError{ProviderCode: errCode, Description: q.Get("error_description")}
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventProviderDenied,
				ClientID: authState.ClientID,
				Details:  map[string]any{"provider_error": errCode},
			})
		}
		return redirectWithParams(authState.RedirectURI, url.Values{
			"error": {ErrorCodeAccessDenied},
			"state": {authState.ClientState},
		}), denied
	}

	// PKCE is verified when the client exchanges our code at our token
	// endpoint, so no verifier goes to the provider here.
	providerToken, err := s.provider.ExchangeCode(ctx, q.Get("code"), "")
	if err != nil {
		return "", fmt.Errorf("failed to exchange code with provider: %w", err)
	}

	code := security.GenerateToken()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            authState.ClientID,
		RedirectURI:         authState.RedirectURI,
		Scope:               authState.Scope,
		CodeChallenge:       authState.CodeChallenge,
		CodeChallengeMethod: authState.CodeChallengeMethod,
		ProviderToken:       providerToken,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flows.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	return redirectWithParams(authState.RedirectURI, url.Values{
		"code":  {code},
		"state": {authState.ClientState},
	}), nil
}

// ==================== Token endpoint ====================

// TokenResponse is the token endpoint success response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token dispatches a parsed grant request.
func (s *Server) Token(ctx context.Context, grant *GrantRequest) (*TokenResponse, error) {
	switch grant.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, grant)
	case GrantTypeRefreshToken:
		return s.refreshGrant(ctx, grant)
	default:
		// ParseGrantRequest already rejects unknown grants; this guards
		// direct callers.
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", grant.GrantType))
	}
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, grant *GrantRequest) (*TokenResponse, error) {
	if err := s.authenticateClient(ctx, grant); err != nil {
		return nil, err
	}

	authCode, err := s.flows.ConsumeAuthorizationCode(ctx, grant.Code)
	if err != nil {
		// Replay, expiry and plain not-found all collapse into one generic
		// error per RFC 6749; the detail stays server-side.
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", grant.ClientID,
			"code_prefix", util.SafeTruncate(grant.Code, tokenLogPrefix))
		s.auditAuthFailure(grant.ClientID, "invalid_authorization_code")
		return nil, ErrInvalidGrant("invalid grant")
	}

	if authCode.ClientID != "" && authCode.ClientID != grant.ClientID {
		s.auditAuthFailure(grant.ClientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("invalid grant")
	}
	if grant.RedirectURI != "" && authCode.RedirectURI != grant.RedirectURI {
		s.auditAuthFailure(grant.ClientID, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("invalid grant")
	}

	if err := validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, grant.CodeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidPKCE,
				ClientID: grant.ClientID,
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	return s.issueTokens(ctx, authCode.ProviderToken, authCode.Scope, grant.ClientID, false)
}

func (s *Server) refreshGrant(ctx context.Context, grant *GrantRequest) (*TokenResponse, error) {
	if err := s.authenticateClient(ctx, grant); err != nil {
		return nil, err
	}

	// Atomic consume: rotation means the presented refresh token dies here
	// whether or not the rest of the exchange succeeds.
	providerToken, err := s.credentials.ConsumeRefreshToken(ctx, grant.RefreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"token_prefix", util.SafeTruncate(grant.RefreshToken, tokenLogPrefix))
		s.auditAuthFailure(grant.ClientID, "invalid_refresh_token")
		return nil, ErrInvalidGrant("invalid grant")
	}

	// Refresh upstream when the provider token has expired and left us the
	// means to do so.
	if !providerToken.Expiry.IsZero() && time.Now().After(providerToken.Expiry) && providerToken.RefreshToken != "" {
		refreshed, err := s.provider.RefreshToken(ctx, providerToken.RefreshToken)
		if err != nil {
			s.Logger.Warn("Provider token refresh failed", "error", err)
			return nil, ErrInvalidGrant("invalid grant")
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = providerToken.RefreshToken
		}
		providerToken = refreshed
	}

	return s.issueTokens(ctx, providerToken, "", grant.ClientID, true)
}

// issueTokens mints a fresh resource-server access/refresh token pair bound
// to the given provider credential.
func (s *Server) issueTokens(ctx context.Context, providerToken *oauth2.Token, scope, clientID string, refreshed bool) (*TokenResponse, error) {
	accessToken := security.GenerateToken()
	refreshToken := security.GenerateToken()
	now := time.Now()

	if err := s.credentials.SaveCredential(ctx, accessToken, providerToken,
		now.Add(time.Duration(s.config.AccessTokenTTL)*time.Second)); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	if err := s.credentials.SaveRefreshToken(ctx, refreshToken, providerToken,
		now.Add(time.Duration(s.config.RefreshTokenTTL)*time.Second)); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	if s.Auditor != nil {
		eventType := security.EventTokenIssued
		if refreshed {
			eventType = security.EventTokenRefreshed
		}
		s.Auditor.LogEvent(security.Event{
			Type:     eventType,
			ClientID: clientID,
			Details:  map[string]any{"scope": scope},
		})
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// authenticateClient validates client credentials for confidential clients.
// Public and unregistered clients pass through: PKCE is their proof.
func (s *Server) authenticateClient(ctx context.Context, grant *GrantRequest) error {
	if grant.ClientID == "" {
		return nil
	}
	client, err := s.clients.GetClient(ctx, grant.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("client lookup failed: %w", err)
	}
	if client.ClientType != "confidential" {
		return nil
	}
	if err := s.clients.ValidateClientSecret(ctx, grant.ClientID, grant.ClientSecret); err != nil {
		s.auditAuthFailure(grant.ClientID, ErrorCodeInvalidClient)
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// ==================== Revocation ====================

// Revoke deletes a resource-server token binding and makes a best-effort
// attempt to revoke the underlying provider token. Revoking an unknown
// token succeeds, per RFC 7009.
func (s *Server) Revoke(ctx context.Context, token string) error {
	providerToken, err := s.credentials.GetByResourceToken(ctx, token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("credential lookup failed: %w", err)
	}

	if err := s.credentials.DeleteCredential(ctx, token); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	// The same opaque value may have been issued as a refresh token.
	if _, err := s.credentials.ConsumeRefreshToken(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to consume refresh token during revocation", "error", err)
	}

	if providerToken != nil {
		if err := s.provider.RevokeToken(ctx, providerToken.AccessToken); err != nil {
			s.Logger.Warn("Provider revocation failed", "error", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{Type: security.EventTokenRevoked})
	}
	return nil
}

// hashSecret produces the bcrypt hash stored for confidential clients.
func hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Server) auditAuthFailure(clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(clientID, "", reason)
	}
}

// redirectWithParams appends query parameters to a redirect URI, preserving
// any it already has. Empty values are omitted: state is echoed only when the
// client sent one.
func redirectWithParams(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
