package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/authgate/mcp-authgate"
	"github.com/authgate/mcp-authgate/authctx"
	"github.com/authgate/mcp-authgate/gate"
	"github.com/authgate/mcp-authgate/instrumentation"
	"github.com/authgate/mcp-authgate/providers"
	mockprovider "github.com/authgate/mcp-authgate/providers/mock"
	"github.com/authgate/mcp-authgate/providers/oidc"
	"github.com/authgate/mcp-authgate/security"
	"github.com/authgate/mcp-authgate/server"
	"github.com/authgate/mcp-authgate/session"
	"github.com/authgate/mcp-authgate/storage"
	"github.com/authgate/mcp-authgate/storage/memory"
	"github.com/authgate/mcp-authgate/storage/valkey"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization gateway",
	Long: `Starts the gateway HTTP server: the OAuth proxy endpoints, the
well-known discovery documents, and the gated MCP protocol endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the YAML configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	flowCfg := &server.Config{
		Issuer:              cfg.Issuer,
		ExternalResourceURI: cfg.ExternalResourceURI,
		ResourcePath:        cfg.ResourcePath,
		Topology:            cfg.Topology,
		AllowedRedirectURIs: cfg.Auth.AllowedRedirectURIs,
		SupportedScopes:     cfg.Auth.SupportedScopes,
	}
	flows, err := server.New(provider, store, store, store, flowCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create flow server: %w", err)
	}
	auditor := security.NewAuditor(logger, true)
	flows.Auditor = auditor

	g, err := gate.New(store, &gate.Config{
		Enabled:               cfg.Auth.Enabled,
		DevMode:               cfg.Auth.DevMode,
		AllowedOrigins:        cfg.Auth.AllowedOrigins,
		RequireResourceTokens: cfg.Auth.RequireResourceTokens,
		ExternalResourceURI:   cfg.ExternalResourceURI,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}
	g.Auditor = auditor

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-authgate",
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	g.Metrics = inst.Metrics()

	contexts := authctx.NewRegistry()
	handler := &mcpMessageHandler{srv: newMCPServer(logger), contexts: contexts, logger: logger}
	sessions, err := session.NewRegistry(
		func(sessionID string, onInitialized func()) (session.Transport, error) {
			return session.NewStreamableTransport(sessionID, handler, logger, onInitialized), nil
		},
		session.WithLogger(logger),
		session.WithAuthContexts(contexts),
		session.WithAuditor(auditor),
		session.WithMetrics(inst.Metrics()),
	)
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	rateLimiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	defer rateLimiter.Stop()

	httpHandler, err := authgate.NewHandler(flows, g, sessions,
		authgate.WithRateLimiter(rateLimiter),
		authgate.WithInstrumentation(inst),
		authgate.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", cfg.ListenAddr, "resource_path", cfg.ResourcePath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStore constructs the configured storage backend and returns its
// cleanup function.
func buildStore(cfg *FileConfig, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store.Close, nil
	default:
		opts := []memory.Option{memory.WithLogger(logger)}
		if cfg.Storage.EncryptionKey != "" {
			key, err := decodeEncryptionKey(cfg.Storage.EncryptionKey)
			if err != nil {
				return nil, nil, err
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
			}
			opts = append(opts, memory.WithEncryptor(enc))
		}
		store := memory.New(opts...)
		return store, store.Stop, nil
	}
}

// decodeEncryptionKey accepts a 64-char hex key or a raw 32-byte key.
func decodeEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil {
			return decoded, nil
		}
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes (or 64 hex characters), got %d characters", len(key))
}

// buildProvider constructs the upstream provider. Without a configured
// issuer (auth disabled, local development) a stub provider stands in so the
// OAuth route tree still serves structured errors instead of panicking.
func buildProvider(cfg *FileConfig) (providers.Provider, error) {
	if cfg.Provider.IssuerURL == "" {
		return mockprovider.NewProvider(), nil
	}
	provider, err := oidc.NewProvider(&oidc.Config{
		IssuerURL:    cfg.Provider.IssuerURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURL:  cfg.Provider.RedirectURL,
		Scopes:       cfg.Provider.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return provider, nil
}
