package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventAuthFailure          = "auth_failure"
	EventChallengeIssued      = "challenge_issued"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventClientRegistered     = "client_registered"
	EventInvalidPKCE          = "invalid_pkce"
	EventProviderDenied       = "provider_denied"
	EventSessionTerminated    = "session_terminated"
	EventCredentialResolution = "credential_resolution_degraded"
)

// Auditor logs security events through slog with token material hashed so
// logs never carry usable credentials.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	ClientID  string
	SessionID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"session_id_hash", HashForLogging(event.SessionID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogChallengeIssued logs a 401 challenge, keyed by the session the client
// must retry with.
func (a *Auditor) LogChallengeIssued(sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventChallengeIssued,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// HashForLogging returns a short SHA-256 prefix of a sensitive value, or ""
// for the empty string. Enough to correlate log lines, useless to an
// attacker.
func HashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
