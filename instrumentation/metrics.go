package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	// HTTP layer.
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Security gate.
	ChallengesIssued  metric.Int64Counter
	RequestsRejected  metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// OAuth flow.
	TokensIssued  metric.Int64Counter
	TokensRevoked metric.Int64Counter

	// Sessions.
	SessionsCreated    metric.Int64Counter
	SessionsTerminated metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	gateMeter := inst.Meter("gate")
	flowMeter := inst.Meter("server")
	sessionMeter := inst.Meter("session")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"authgate.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"authgate.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ChallengesIssued, err = gateMeter.Int64Counter(
		"authgate.gate.challenges.issued",
		metric.WithDescription("Number of 401 challenges issued"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate.challenges.issued counter: %w", err)
	}

	m.RequestsRejected, err = gateMeter.Int64Counter(
		"authgate.gate.requests.rejected",
		metric.WithDescription("Number of requests rejected by origin or version validation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate.requests.rejected counter: %w", err)
	}

	m.RateLimitExceeded, err = gateMeter.Int64Counter(
		"authgate.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.TokensIssued, err = flowMeter.Int64Counter(
		"authgate.tokens.issued",
		metric.WithDescription("Number of resource-server token pairs issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRevoked, err = flowMeter.Int64Counter(
		"authgate.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.SessionsCreated, err = sessionMeter.Int64Counter(
		"authgate.sessions.created",
		metric.WithDescription("Number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsTerminated, err = sessionMeter.Int64Counter(
		"authgate.sessions.terminated",
		metric.WithDescription("Number of sessions terminated"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.terminated counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenIssued records a token issuance for a grant type.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordRateLimitExceeded records a rate limit violation by scope.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordChallengeIssued records one 401 challenge.
func (m *Metrics) RecordChallengeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChallengesIssued.Add(ctx, 1)
}

// RecordRequestRejected records a fatal validation rejection by reason.
func (m *Metrics) RecordRequestRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RequestsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokenRevoked records a token revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensRevoked.Add(ctx, 1)
}

// RecordSessionCreated records a session registration.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionTerminated records a session teardown.
func (m *Metrics) RecordSessionTerminated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsTerminated.Add(ctx, 1)
}
