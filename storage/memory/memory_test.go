package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/storage"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Stop)
	return s
}

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "provider-access",
		TokenType:    "Bearer",
		RefreshToken: "provider-refresh",
		Expiry:       time.Now().Add(time.Hour).Truncate(time.Second),
	}
}

func TestCredentialLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "rt-1", testToken(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}

	got, err := s.GetByResourceToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("GetByResourceToken() error = %v", err)
	}
	if got.AccessToken != "provider-access" || got.RefreshToken != "provider-refresh" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	if err := s.DeleteCredential(ctx, "rt-1"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}
	if _, err := s.GetByResourceToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestCredentialValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "", testToken(), time.Time{}); err == nil {
		t.Error("empty resource token accepted")
	}
	if err := s.SaveCredential(ctx, "rt", nil, time.Time{}); err == nil {
		t.Error("nil credential accepted")
	}
}

func TestExpiredCredentialNotReturned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "rt-exp", testToken(), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	if _, err := s.GetByResourceToken(ctx, "rt-exp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired credential: err = %v, want ErrNotFound", err)
	}
}

func TestZeroExpiryMeansNoExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "rt-forever", testToken(), time.Time{}); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	if _, err := s.GetByResourceToken(ctx, "rt-forever"); err != nil {
		t.Errorf("GetByResourceToken() error = %v", err)
	}
}

func TestConsumeRefreshTokenIsOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRefreshToken(ctx, "refresh-1", testToken(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if got.AccessToken != "provider-access" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}

	if _, err := s.ConsumeRefreshToken(ctx, "refresh-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume: err = %v, want ErrNotFound", err)
	}
}

func TestAuthorizationStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &storage.AuthorizationState{
		ProviderState: "ps-1",
		ClientState:   "cs-1",
		RedirectURI:   "http://127.0.0.1:8765/callback",
		CodeChallenge: "challenge",
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveAuthorizationState(ctx, state); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}

	got, err := s.GetAuthorizationStateByProviderState(ctx, "ps-1")
	if err != nil {
		t.Fatalf("GetAuthorizationStateByProviderState() error = %v", err)
	}
	if got.ClientState != "cs-1" {
		t.Errorf("ClientState = %q", got.ClientState)
	}

	// Mutating the returned copy must not affect the stored record.
	got.ClientState = "tampered"
	again, err := s.GetAuthorizationStateByProviderState(ctx, "ps-1")
	if err != nil {
		t.Fatalf("second lookup error = %v", err)
	}
	if again.ClientState != "cs-1" {
		t.Error("stored state aliased to the returned copy")
	}

	if err := s.DeleteAuthorizationState(ctx, "ps-1"); err != nil {
		t.Fatalf("DeleteAuthorizationState() error = %v", err)
	}
	if _, err := s.GetAuthorizationStateByProviderState(ctx, "ps-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestExpiredAuthorizationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationState(ctx, &storage.AuthorizationState{
		ProviderState: "ps-exp",
		ExpiresAt:     time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationState() error = %v", err)
	}
	if _, err := s.GetAuthorizationStateByProviderState(ctx, "ps-exp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired state: err = %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthorizationCodeReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	first, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if !first.Used {
		t.Error("consumed code not marked used")
	}

	// A replayed code is handed back with an error so the caller can revoke
	// everything issued from the first exchange.
	replayed, err := s.ConsumeAuthorizationCode(ctx, "code-1")
	if err == nil {
		t.Fatal("replay succeeded")
	}
	if replayed == nil || !replayed.Used {
		t.Error("replay did not return the used record")
	}
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-exp",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "code-exp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired code: err = %v, want ErrNotFound", err)
	}
}

func TestClientSecretValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret() error = %v", err)
	}
	if err := s.SaveClient(ctx, &storage.Client{
		ClientID:         "client-1",
		ClientSecretHash: hash,
		ClientType:       "confidential",
	}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if err := s.ValidateClientSecret(ctx, "client-1", "s3cret"); err != nil {
		t.Errorf("valid secret rejected: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "client-1", "wrong"); err == nil {
		t.Error("invalid secret accepted")
	}
	if err := s.ValidateClientSecret(ctx, "missing", "s3cret"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown client: err = %v, want ErrNotFound", err)
	}
}

func TestEncryptedCredentialRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	s := newTestStore(t, WithEncryptor(enc))
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "rt-enc", testToken(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	got, err := s.GetByResourceToken(ctx, "rt-enc")
	if err != nil {
		t.Fatalf("GetByResourceToken() error = %v", err)
	}
	if got.AccessToken != "provider-access" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
}
