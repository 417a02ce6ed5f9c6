// Package memory provides an in-memory implementation of all storage
// contracts. It is suitable for development, testing, and single-instance
// deployments. Provider credentials are serialized and, when an encryptor is
// configured, encrypted before being held in memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/storage"
)

// cleanupInterval is how often expired records are swept.
const cleanupInterval = time.Minute

// credentialRecord is one stored provider credential. The token is kept as a
// serialized (optionally encrypted) blob so the encryptor applies uniformly.
type credentialRecord struct {
	blob      string
	expiresAt time.Time
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	credentials   map[string]credentialRecord // resource token -> provider credential
	refreshTokens map[string]credentialRecord // refresh token -> provider credential

	authStates map[string]*storage.AuthorizationState // provider state -> pending flow
	authCodes  map[string]*storage.AuthorizationCode  // code -> issued code

	clients map[string]*storage.Client

	encryptor *security.Encryptor
	logger    *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithEncryptor enables credential encryption at rest.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an in-memory store. Callers must Stop() it to release the
// cleanup goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		credentials:   make(map[string]credentialRecord),
		refreshTokens: make(map[string]credentialRecord),
		authStates:    make(map[string]*storage.AuthorizationState),
		authCodes:     make(map[string]*storage.AuthorizationCode),
		clients:       make(map[string]*storage.Client),
		stopCleanup:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.encryptor == nil {
		s.encryptor, _ = security.NewEncryptor(nil)
	}

	go s.cleanupLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.credentials {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(s.credentials, k)
		}
	}
	for k, rec := range s.refreshTokens {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(s.refreshTokens, k)
		}
	}
	for k, st := range s.authStates {
		if now.After(st.ExpiresAt) {
			delete(s.authStates, k)
		}
	}
	for k, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, k)
		}
	}
}

// serializableToken captures the oauth2.Token fields that survive JSON
// round-tripping. Extra fields live in a private field of oauth2.Token and
// are dropped; the gateway never depends on them.
type serializableToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (s *Store) sealToken(cred *oauth2.Token) (string, error) {
	data, err := json.Marshal(serializableToken{
		AccessToken:  cred.AccessToken,
		TokenType:    cred.TokenType,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}
	blob, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return blob, nil
}

func (s *Store) openToken(blob string) (*oauth2.Token, error) {
	data, err := s.encryptor.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
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

// ==================== CredentialStore ====================

// SaveCredential binds a resource-server access token to a provider credential.
func (s *Store) SaveCredential(_ context.Context, resourceToken string, cred *oauth2.Token, expiresAt time.Time) error {
	if resourceToken == "" {
		return fmt.Errorf("resource token cannot be empty")
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	blob, err := s.sealToken(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.credentials[resourceToken] = credentialRecord{blob: blob, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// GetByResourceToken resolves a resource-server token to its provider credential.
func (s *Store) GetByResourceToken(_ context.Context, resourceToken string) (*oauth2.Token, error) {
	s.mu.RLock()
	rec, ok := s.credentials[resourceToken]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return s.openToken(rec.blob)
}

// DeleteCredential removes a resource-server token binding.
func (s *Store) DeleteCredential(_ context.Context, resourceToken string) error {
	s.mu.Lock()
	delete(s.credentials, resourceToken)
	s.mu.Unlock()
	return nil
}

// SaveRefreshToken binds a refresh token to a provider credential.
func (s *Store) SaveRefreshToken(_ context.Context, refreshToken string, cred *oauth2.Token, expiresAt time.Time) error {
	if refreshToken == "" {
		return fmt.Errorf("refresh token cannot be empty")
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	blob, err := s.sealToken(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.refreshTokens[refreshToken] = credentialRecord{blob: blob, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token binding.
func (s *Store) ConsumeRefreshToken(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	s.mu.Lock()
	rec, ok := s.refreshTokens[refreshToken]
	if ok {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return s.openToken(rec.blob)
}

// ==================== FlowStore ====================

// SaveAuthorizationState stores pending authorization state.
func (s *Store) SaveAuthorizationState(_ context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("authorization state requires a provider state value")
	}

	cp := *state
	s.mu.Lock()
	s.authStates[state.ProviderState] = &cp
	s.mu.Unlock()
	return nil
}

// GetAuthorizationStateByProviderState looks up pending authorization state.
func (s *Store) GetAuthorizationStateByProviderState(_ context.Context, providerState string) (*storage.AuthorizationState, error) {
	s.mu.RLock()
	state, ok := s.authStates[providerState]
	s.mu.RUnlock()

	if !ok || time.Now().After(state.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *state
	return &cp, nil
}

// DeleteAuthorizationState removes pending authorization state.
func (s *Store) DeleteAuthorizationState(_ context.Context, providerState string) error {
	s.mu.Lock()
	delete(s.authStates, providerState)
	s.mu.Unlock()
	return nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	cp := *code
	s.mu.Lock()
	s.authCodes[code.Code] = &cp
	s.mu.Unlock()
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used and returns it.
// The check-and-mark happens under the write lock so two concurrent
// exchanges of the same code cannot both succeed.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if time.Now().After(record.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, storage.ErrNotFound
	}
	if record.Used {
		cp := *record
		return &cp, fmt.Errorf("authorization code already used")
	}

	record.Used = true
	cp := *record
	return &cp, nil
}

// ==================== ClientStore ====================

// SaveClient stores a registered client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client requires an id")
	}

	cp := *client
	s.mu.Lock()
	s.clients[client.ClientID] = &cp
	s.mu.Unlock()
	return nil
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
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

// HashClientSecret produces the bcrypt hash stored for confidential clients.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}
