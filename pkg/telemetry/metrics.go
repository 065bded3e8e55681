// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	arberrors "github.com/jllopis/arbiter/pkg/errors"
)

// EngineMetrics holds the instruments recorded by the reliability engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	selections         metric.Int64Counter
	observations       metric.Int64Counter
	breakerTransitions metric.Int64Counter
	driftTests         metric.Int64Counter
	errors             metric.Int64Counter
	selectDuration     metric.Float64Histogram
}

// NewEngineMetrics creates the engine instrument set on the global meter.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("arbiter/engine")

	selections, err := meter.Int64Counter("arbiter.selections.total",
		metric.WithDescription("Total model selections served"))
	if err != nil {
		return nil, err
	}
	observations, err := meter.Int64Counter("arbiter.observations.total",
		metric.WithDescription("Total observations recorded"))
	if err != nil {
		return nil, err
	}
	breakerTransitions, err := meter.Int64Counter("arbiter.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	driftTests, err := meter.Int64Counter("arbiter.drift.tests.total",
		metric.WithDescription("Drift tests executed"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("arbiter.errors.total",
		metric.WithDescription("Errors by code and component"))
	if err != nil {
		return nil, err
	}
	selectDuration, err := meter.Float64Histogram("arbiter.select.duration.seconds",
		metric.WithDescription("Selection latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		selections:         selections,
		observations:       observations,
		breakerTransitions: breakerTransitions,
		driftTests:         driftTests,
		errors:             errCounter,
		selectDuration:     selectDuration,
	}, nil
}

// RecordSelection counts a served selection by confidence tier.
func (m *EngineMetrics) RecordSelection(ctx context.Context, tier string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.selections.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrConfidenceTier, tier),
	))
	m.selectDuration.Record(ctx, durationSeconds)
}

// RecordObservation counts a recorded observation by outcome.
func (m *EngineMetrics) RecordObservation(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.observations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrSuccess, success),
	))
}

// RecordBreakerTransition counts a circuit breaker transition into a state.
func (m *EngineMetrics) RecordBreakerTransition(ctx context.Context, toState string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrBreakerState, toState),
	))
}

// RecordDriftTest counts an executed drift test and its verdict.
func (m *EngineMetrics) RecordDriftTest(ctx context.Context, testType string, detected bool) {
	if m == nil {
		return
	}
	m.driftTests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrDriftTest, testType),
		attribute.Bool(AttrDriftDetected, detected),
	))
}

// RecordError counts an error attributed to a component.
func (m *EngineMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := string(arberrors.CodeInternal)
	if ae := arberrors.AsArbiterError(err); ae != nil {
		code = string(ae.Code)
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String(AttrComponent, component),
	))
}
