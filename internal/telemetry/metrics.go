// Package telemetry records service metrics with OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/plutusfin/plutus"

// Metrics holds the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	auditEntries  metric.Int64Counter
	decisions     metric.Int64Counter
	submitLatency metric.Float64Histogram
	verifications metric.Int64Counter
}

// NewMetrics creates the instruments on provider, or on the global provider
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	auditEntries, err := meter.Int64Counter(
		"plutus_audit_entries_total",
		metric.WithDescription("Audit entries appended, by action"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plutus_audit_entries_total counter: %w", err)
	}

	decisions, err := meter.Int64Counter(
		"plutus_order_decisions_total",
		metric.WithDescription("Confirm and reject decisions, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plutus_order_decisions_total counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"plutus_gateway_submit_duration_seconds",
		metric.WithDescription("Time taken by the execution gateway to answer a submission"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plutus_gateway_submit_duration_seconds histogram: %w", err)
	}

	verifications, err := meter.Int64Counter(
		"plutus_ledger_verifications_total",
		metric.WithDescription("Audit chain verifications, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plutus_ledger_verifications_total counter: %w", err)
	}

	return &Metrics{
		auditEntries:  auditEntries,
		decisions:     decisions,
		submitLatency: latency,
		verifications: verifications,
	}, nil
}

func (m *Metrics) RecordAuditEntry(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.auditEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordDecision counts a confirm/reject outcome such as "executed",
// "acknowledged", "rejected", "failed" or "conflict".
func (m *Metrics) RecordDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordSubmit(ctx context.Context, d time.Duration, status string, retryable bool) {
	if m == nil {
		return
	}
	m.submitLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("retryable", retryable),
	))
}

func (m *Metrics) RecordVerification(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "corrupt"
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
