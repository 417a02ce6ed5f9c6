// Package valkey provides a Valkey-backed implementation of the storage
// contracts for multi-instance deployments, where credential and flow state
// must be shared across gateway replicas. Records are stored as JSON with
// native TTLs so expiry needs no sweeper.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "authgate:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address, e.g. "localhost:6379" (required).
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number.
	DB int

	// KeyPrefix is the prefix for all keys (default "authgate:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger.
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)
	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) credentialKey(token string) string { return s.prefix + "cred:" + token }
func (s *Store) refreshKey(token string) string    { return s.prefix + "refresh:" + token }
func (s *Store) stateKey(state string) string      { return s.prefix + "state:" + state }
func (s *Store) codeKey(code string) string        { return s.prefix + "code:" + code }
func (s *Store) clientKey(id string) string        { return s.prefix + "client:" + id }

// serializableToken mirrors the oauth2.Token fields that round-trip JSON.
type serializableToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func marshalToken(cred *oauth2.Token) (string, error) {
	data, err := json.Marshal(serializableToken{
		AccessToken:  cred.AccessToken,
		TokenType:    cred.TokenType,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}
	return string(data), nil
}

func unmarshalToken(data string) (*oauth2.Token, error) {
	var st serializableToken
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

// setJSON writes a value with an optional TTL derived from expiresAt.
func (s *Store) setJSON(ctx context.Context, key, value string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Build()).Error()
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("record already expired")
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()).Error()
}

// ==================== CredentialStore ====================

// SaveCredential binds a resource-server access token to a provider credential.
func (s *Store) SaveCredential(ctx context.Context, resourceToken string, cred *oauth2.Token, expiresAt time.Time) error {
	if resourceToken == "" {
		return fmt.Errorf("resource token cannot be empty")
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}
	data, err := marshalToken(cred)
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.credentialKey(resourceToken), data, expiresAt); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetByResourceToken resolves a resource-server token to its provider credential.
func (s *Store) GetByResourceToken(ctx context.Context, resourceToken string) (*oauth2.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.credentialKey(resourceToken)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return unmarshalToken(data)
}

// DeleteCredential removes a resource-server token binding.
func (s *Store) DeleteCredential(ctx context.Context, resourceToken string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.credentialKey(resourceToken)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// SaveRefreshToken binds a refresh token to a provider credential.
func (s *Store) SaveRefreshToken(ctx context.Context, refreshToken string, cred *oauth2.Token, expiresAt time.Time) error {
	if refreshToken == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}
	data, err := marshalToken(cred)
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.refreshKey(refreshToken), data, expiresAt); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token
// binding via GETDEL, so only one concurrent rotation can win.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.refreshKey(refreshToken)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return unmarshalToken(data)
}

// ==================== FlowStore ====================

// SaveAuthorizationState stores pending authorization state.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("authorization state requires a provider state value")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}
	if err := s.setJSON(ctx, s.stateKey(state.ProviderState), string(data), state.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}
	return nil
}

// GetAuthorizationStateByProviderState looks up pending authorization state.
func (s *Store) GetAuthorizationStateByProviderState(ctx context.Context, providerState string) (*storage.AuthorizationState, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.stateKey(providerState)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization state: %w", err)
	}
	var state storage.AuthorizationState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}
	return &state, nil
}

// DeleteAuthorizationState removes pending authorization state.
func (s *Store) DeleteAuthorizationState(ctx context.Context, providerState string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.stateKey(providerState)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}
	return nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if err := s.setJSON(ctx, s.codeKey(code.Code), string(data), code.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code via
// GETDEL. Replay of a consumed code surfaces as ErrNotFound; the flow layer
// treats both the same way (invalid_grant).
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	var record storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	record.Used = true
	return &record, nil
}

// ==================== ClientStore ====================

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client requires an id")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	var client storage.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// ValidateClientSecret checks a client secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.ClientSecretHash == "" {
		return fmt.Errorf("client %s has no secret", clientID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}
