// Package storage defines the persistence contracts for the gateway: the
// credential store mapping issued resource-server tokens to upstream provider
// credentials, the flow store holding in-flight authorization state, and the
// client store for registered OAuth clients. Implementations exist for
// in-memory and Valkey backends.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when a record does not exist or has expired.
// Callers on the authentication path treat any store failure the same way,
// so implementations should prefer returning this over backend detail.
var ErrNotFound = errors.New("storage: not found")

// CredentialStore maps tokens issued by this gateway to upstream provider
// credentials. The resource-server token is the lookup key and lives in a
// different namespace than the provider's own access token.
type CredentialStore interface {
	// SaveCredential binds an issued resource-server access token to the
	// provider credential it stands in for. A zero expiresAt stores the
	// credential without expiry.
	SaveCredential(ctx context.Context, resourceToken string, cred *oauth2.Token, expiresAt time.Time) error

	// GetByResourceToken resolves a resource-server token to the provider
	// credential, or ErrNotFound.
	GetByResourceToken(ctx context.Context, resourceToken string) (*oauth2.Token, error)

	// DeleteCredential removes a resource-server token binding. Deleting an
	// absent token is not an error.
	DeleteCredential(ctx context.Context, resourceToken string) error

	// SaveRefreshToken binds an issued refresh token to the provider
	// credential it can mint new access tokens against.
	SaveRefreshToken(ctx context.Context, refreshToken string, cred *oauth2.Token, expiresAt time.Time) error

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token
	// binding. Atomicity is what makes refresh token rotation safe under
	// concurrent refresh attempts: exactly one caller wins, the rest get
	// ErrNotFound.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// AuthorizationState is the in-flight state of one authorization request,
// saved between the /authorize redirect and the provider callback.
//
// Two state values exist on purpose: ClientState is the client's CSRF value
// and is echoed back on the final redirect; ProviderState is minted by the
// gateway, sent to the provider, and is the lookup key for the callback.
type AuthorizationState struct {
	ClientState         string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ProviderState       string
	SessionID           string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code issued by the gateway after a
// successful provider callback, carrying the provider credential it will
// release at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ProviderToken       *oauth2.Token
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// FlowStore persists in-flight authorization flows.
type FlowStore interface {
	// SaveAuthorizationState stores pending authorization state keyed by its
	// provider state value.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// GetAuthorizationStateByProviderState looks up pending state by the
	// state value the provider echoes back on callback.
	GetAuthorizationStateByProviderState(ctx context.Context, providerState string) (*AuthorizationState, error)

	// DeleteAuthorizationState removes pending state (one-time use).
	DeleteAuthorizationState(ctx context.Context, providerState string) error

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks a code used and returns it.
	// A second consumption of the same code fails: backends that can detect
	// replay return the used record alongside the error, others return
	// ErrNotFound. Callers must treat either as an invalid grant.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// Client is a registered OAuth client.
type Client struct {
	ClientID         string
	ClientSecretHash string
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	Scopes           []string
	CreatedAt        time.Time
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient stores a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by id, or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a confidential client's secret against the
	// stored hash.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// Store is the union of all storage contracts, implemented by backends that
// can serve the whole gateway from one instance.
type Store interface {
	CredentialStore
	FlowStore
	ClientStore
}
