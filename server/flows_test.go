package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	providermock "github.com/authgate/mcp-authgate/providers/mock"
	"github.com/authgate/mcp-authgate/storage/memory"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func newTestServer(t *testing.T) (*Server, *providermock.Provider, *memory.Store) {
	t.Helper()
	provider := providermock.NewProvider()
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(provider, store, store, store, &Config{
		Issuer: "https://gateway.example.com",
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, provider, store
}

func validAuthorizeRequest() *AuthorizeRequest {
	return &AuthorizeRequest{
		RedirectURI:         "http://127.0.0.1:8765/callback",
		Scope:               "openid",
		State:               "client-state-1",
		CodeChallenge:       s256Challenge(testVerifier),
		CodeChallengeMethod: PKCEMethodS256,
	}
}

// runAuthorization drives authorize and callback, returning the issued code.
func runAuthorization(t *testing.T, srv *Server) string {
	t.Helper()
	ctx := context.Background()

	providerURL, err := srv.StartAuthorization(ctx, validAuthorizeRequest())
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, err := url.Parse(providerURL)
	if err != nil {
		t.Fatalf("provider URL unparseable: %v", err)
	}
	providerState := u.Query().Get("state")
	if providerState == "" {
		t.Fatal("provider URL carries no state")
	}

	redirect, err := srv.HandleCallback(ctx, url.Values{
		"state": {providerState},
		"code":  {"provider-code-1"},
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	ru, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect URL unparseable: %v", err)
	}
	if got := ru.Query().Get("state"); got != "client-state-1" {
		t.Errorf("client state = %q, want client-state-1", got)
	}
	code := ru.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	return code
}

func TestStartAuthorization_ProviderStateDistinctFromClientState(t *testing.T) {
	srv, provider, _ := newTestServer(t)

	providerURL, err := srv.StartAuthorization(context.Background(), validAuthorizeRequest())
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, _ := url.Parse(providerURL)
	if state := u.Query().Get("state"); state == "client-state-1" {
		t.Error("client state leaked to the provider; a gateway-minted state is required")
	}
	if provider.CallCount("AuthorizationURL") != 1 {
		t.Errorf("AuthorizationURL calls = %d, want 1", provider.CallCount("AuthorizationURL"))
	}
}

func TestAuthorization_StatelessClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	req := validAuthorizeRequest()
	req.State = ""
	providerURL, err := srv.StartAuthorization(ctx, req)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, _ := url.Parse(providerURL)
	if u.Query().Get("state") == "" {
		t.Error("gateway-minted provider state missing even without client state")
	}

	redirect, err := srv.HandleCallback(ctx, url.Values{
		"state": {u.Query().Get("state")},
		"code":  {"provider-code-1"},
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	ru, _ := url.Parse(redirect)
	if ru.Query().Get("code") == "" {
		t.Error("redirect carries no code")
	}
	if ru.Query().Has("state") {
		t.Errorf("state echoed despite the client sending none: %q", redirect)
	}
}

func TestStartAuthorization_RejectsBeforeProvider(t *testing.T) {
	srv, provider, _ := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
	}{
		{"bad challenge method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }},
		{"unknown method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizeRequest()
			tt.mutate(req)
			if _, err := srv.StartAuthorization(context.Background(), req); err == nil {
				t.Fatal("StartAuthorization() expected error")
			}
		})
	}
	if provider.CallCount("AuthorizationURL") != 0 {
		t.Errorf("provider contacted despite validation failure")
	}
}

func TestHandleCallback_MissingState(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, err := srv.HandleCallback(context.Background(), url.Values{"code": {"x"}})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidRequest {
		t.Errorf("error = %v, want invalid_request", err)
	}
}

func TestHandleCallback_UnknownState(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, err := srv.HandleCallback(context.Background(), url.Values{
		"state": {"never-issued"},
		"code":  {"x"},
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestHandleCallback_ProviderDenial(t *testing.T) {
	srv, provider, _ := newTestServer(t)
	ctx := context.Background()

	providerURL, err := srv.StartAuthorization(ctx, validAuthorizeRequest())
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, _ := url.Parse(providerURL)

	redirect, err := srv.HandleCallback(ctx, url.Values{
		"state":             {u.Query().Get("state")},
		"error":             {"access_denied"},
		"error_description": {"user said no"},
	})

	var denied *ProviderDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *ProviderDeniedError", err)
	}
	if denied.ProviderCode != "access_denied" {
		t.Errorf("ProviderCode = %q", denied.ProviderCode)
	}

	// The user agent still gets sent back to the client.
	ru, parseErr := url.Parse(redirect)
	if parseErr != nil || !strings.HasPrefix(redirect, "http://127.0.0.1:8765/callback") {
		t.Fatalf("redirect = %q", redirect)
	}
	if ru.Query().Get("error") != ErrorCodeAccessDenied {
		t.Errorf("redirect error = %q", ru.Query().Get("error"))
	}
	if ru.Query().Get("state") != "client-state-1" {
		t.Errorf("redirect state = %q", ru.Query().Get("state"))
	}
	if provider.CallCount("ExchangeCode") != 0 {
		t.Error("code exchange attempted after denial")
	}
}

func TestToken_AuthorizationCodeGrant(t *testing.T) {
	srv, _, store := newTestServer(t)
	code := runAuthorization(t, srv)
	ctx := context.Background()

	resp, err := srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: testVerifier,
		RedirectURI:  "http://127.0.0.1:8765/callback",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token response incomplete")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.AccessToken == "provider-access-token" {
		t.Error("provider token leaked as the resource-server token")
	}

	// The resource-server token resolves to the provider credential.
	cred, err := store.GetByResourceToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("GetByResourceToken() error = %v", err)
	}
	if cred.AccessToken != "provider-access-token" {
		t.Errorf("stored provider token = %q", cred.AccessToken)
	}
}

func TestToken_CodeReplayRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	code := runAuthorization(t, srv)
	ctx := context.Background()

	grant := &GrantRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: testVerifier,
	}
	if _, err := srv.Token(ctx, grant); err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}
	_, err := srv.Token(ctx, grant)
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("replay error = %v, want invalid_grant", err)
	}
}

func TestToken_WrongVerifierRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	code := runAuthorization(t, srv)

	_, err := srv.Token(context.Background(), &GrantRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: "completely-wrong-verifier-value-1234567890",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestToken_RefreshGrantRotates(t *testing.T) {
	srv, _, _ := newTestServer(t)
	code := runAuthorization(t, srv)
	ctx := context.Background()

	first, err := srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("code exchange failed: %v", err)
	}

	second, err := srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.AccessToken == first.AccessToken {
		t.Error("access token was not rotated")
	}

	// The consumed refresh token is dead.
	_, err = srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("reused refresh token error = %v, want invalid_grant", err)
	}
}

func TestToken_UnknownRefreshToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, err := srv.Token(context.Background(), &GrantRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: "never-issued",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestToken_ExpiredProviderTokenRefreshesUpstream(t *testing.T) {
	srv, provider, store := newTestServer(t)
	ctx := context.Background()

	expired := &oauth2.Token{
		AccessToken:  "stale-provider-token",
		RefreshToken: "provider-refresh-token",
		Expiry:       time.Now().Add(-time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, "gateway-refresh-1", expired, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	resp, err := srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: "gateway-refresh-1",
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if provider.CallCount("RefreshToken") != 1 {
		t.Errorf("provider RefreshToken calls = %d, want 1", provider.CallCount("RefreshToken"))
	}

	cred, err := store.GetByResourceToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("GetByResourceToken() error = %v", err)
	}
	if cred.AccessToken != "provider-refreshed-access-token" {
		t.Errorf("stored provider token = %q, want the refreshed one", cred.AccessToken)
	}
}

func TestRevoke(t *testing.T) {
	srv, provider, store := newTestServer(t)
	code := runAuthorization(t, srv)
	ctx := context.Background()

	resp, err := srv.Token(ctx, &GrantRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("code exchange failed: %v", err)
	}

	if err := srv.Revoke(ctx, resp.AccessToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := store.GetByResourceToken(ctx, resp.AccessToken); err == nil {
		t.Error("credential still resolvable after revocation")
	}
	if provider.CallCount("RevokeToken") != 1 {
		t.Errorf("provider RevokeToken calls = %d, want 1", provider.CallCount("RevokeToken"))
	}
}

func TestRevoke_UnknownTokenSucceeds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if err := srv.Revoke(context.Background(), "never-issued"); err != nil {
		t.Errorf("Revoke() error = %v, want nil", err)
	}
}

func TestRegisterClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("public client", func(t *testing.T) {
		client, secret, err := srv.RegisterClient(ctx, "cli-app", "public",
			[]string{"http://127.0.0.1:9999/cb"}, []string{"openid"})
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if client.ClientID == "" {
			t.Error("no client id issued")
		}
		if secret != "" {
			t.Error("public client got a secret")
		}
	})

	t.Run("confidential client", func(t *testing.T) {
		client, secret, err := srv.RegisterClient(ctx, "backend", "confidential", nil, nil)
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if secret == "" {
			t.Fatal("confidential client got no secret")
		}
		if client.ClientSecretHash == secret {
			t.Error("secret stored unhashed")
		}
	})

	t.Run("unknown client type", func(t *testing.T) {
		if _, _, err := srv.RegisterClient(ctx, "x", "hybrid", nil, nil); err == nil {
			t.Error("unknown client type accepted")
		}
	})
}
