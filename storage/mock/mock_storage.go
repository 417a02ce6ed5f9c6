// Package mock provides a mock credential store for testing, with function
// fields for behavior injection and call counting for assertions.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/authgate/mcp-authgate/storage"
)

// CredentialStore is a mock implementation of storage.CredentialStore.
// Unset function fields fall back to an in-memory map.
type CredentialStore struct {
	SaveCredentialFunc      func(ctx context.Context, resourceToken string, cred *oauth2.Token, expiresAt time.Time) error
	GetByResourceTokenFunc  func(ctx context.Context, resourceToken string) (*oauth2.Token, error)
	DeleteCredentialFunc    func(ctx context.Context, resourceToken string) error
	SaveRefreshTokenFunc    func(ctx context.Context, refreshToken string, cred *oauth2.Token, expiresAt time.Time) error
	ConsumeRefreshTokenFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	mu          sync.Mutex
	credentials map[string]*oauth2.Token
	refresh     map[string]*oauth2.Token
	callCounts  map[string]int
}

var _ storage.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore creates a mock credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		credentials: make(map[string]*oauth2.Token),
		refresh:     make(map[string]*oauth2.Token),
		callCounts:  make(map[string]int),
	}
}

func (m *CredentialStore) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was invoked.
func (m *CredentialStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// SaveCredential implements storage.CredentialStore.
func (m *CredentialStore) SaveCredential(ctx context.Context, resourceToken string, cred *oauth2.Token, expiresAt time.Time) error {
	m.record("SaveCredential")
	if m.SaveCredentialFunc != nil {
		return m.SaveCredentialFunc(ctx, resourceToken, cred, expiresAt)
	}
	m.mu.Lock()
	m.credentials[resourceToken] = cred
	m.mu.Unlock()
	return nil
}

// GetByResourceToken implements storage.CredentialStore.
func (m *CredentialStore) GetByResourceToken(ctx context.Context, resourceToken string) (*oauth2.Token, error) {
	m.record("GetByResourceToken")
	if m.GetByResourceTokenFunc != nil {
		return m.GetByResourceTokenFunc(ctx, resourceToken)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[resourceToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cred, nil
}

// DeleteCredential implements storage.CredentialStore.
func (m *CredentialStore) DeleteCredential(ctx context.Context, resourceToken string) error {
	m.record("DeleteCredential")
	if m.DeleteCredentialFunc != nil {
		return m.DeleteCredentialFunc(ctx, resourceToken)
	}
	m.mu.Lock()
	delete(m.credentials, resourceToken)
	m.mu.Unlock()
	return nil
}

// SaveRefreshToken implements storage.CredentialStore.
func (m *CredentialStore) SaveRefreshToken(ctx context.Context, refreshToken string, cred *oauth2.Token, expiresAt time.Time) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, refreshToken, cred, expiresAt)
	}
	m.mu.Lock()
	m.refresh[refreshToken] = cred
	m.mu.Unlock()
	return nil
}

// ConsumeRefreshToken implements storage.CredentialStore.
func (m *CredentialStore) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, refreshToken)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.refresh[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(m.refresh, refreshToken)
	return cred, nil
}
