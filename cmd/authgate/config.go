package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration for the authgate binary.
type FileConfig struct {
	// ListenAddr is the HTTP bind address. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// Issuer is the gateway's public base URL.
	Issuer string `yaml:"issuer"`

	// ExternalResourceURI is the canonical public URL of the protected
	// resource, when it differs from the bind address.
	ExternalResourceURI string `yaml:"external_resource_uri"`

	// Topology is "same-origin" (default) or "adjacent-port".
	Topology string `yaml:"topology"`

	// ResourcePath is the protocol endpoint path. Default "/mcp".
	ResourcePath string `yaml:"resource_path"`

	Auth      AuthConfig      `yaml:"auth"`
	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig controls the security gate.
type AuthConfig struct {
	Enabled               bool     `yaml:"enabled"`
	DevMode               bool     `yaml:"dev_mode"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	RequireResourceTokens bool     `yaml:"require_resource_tokens"`
	AllowedRedirectURIs   []string `yaml:"allowed_redirect_uris"`
	SupportedScopes       []string `yaml:"supported_scopes"`
}

// ProviderConfig identifies the upstream OAuth provider.
type ProviderConfig struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" (default) or "valkey".
	Backend string `yaml:"backend"`

	// EncryptionKey is an optional 32-byte key, hex or raw, for encrypting
	// provider credentials at rest in the memory backend.
	EncryptionKey string `yaml:"encryption_key"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig bounds requests per client IP on the OAuth endpoints.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// LoadConfig reads a YAML configuration file and applies defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ResourcePath == "" {
		c.ResourcePath = "/mcp"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate checks the parts the binary cannot start without.
func (c *FileConfig) Validate() error {
	if c.Auth.Enabled && c.Provider.IssuerURL == "" {
		return fmt.Errorf("provider.issuer_url is required when auth is enabled")
	}
	if c.Auth.Enabled && c.Provider.ClientID == "" {
		return fmt.Errorf("provider.client_id is required when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "valkey":
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
