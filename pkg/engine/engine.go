// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine composes the breaker, selector, recorder, and drift
// detector into the reliability engine's public operations.
package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/arbiter/pkg/bandit"
	"github.com/jllopis/arbiter/pkg/breaker"
	"github.com/jllopis/arbiter/pkg/drift"
	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/recorder"
	"github.com/jllopis/arbiter/pkg/telemetry"
)

// Engine is the composed adaptive reliability engine.
type Engine struct {
	selector *bandit.Selector
	breaker  *breaker.Breaker
	recorder *recorder.Recorder
	detector *drift.Detector
	health   *HealthRegistry
	logger   *slog.Logger
	metrics  *telemetry.EngineMetrics
}

// Options wires the engine together.
type Options struct {
	Selector *bandit.Selector
	Breaker  *breaker.Breaker
	Recorder *recorder.Recorder
	Detector *drift.Detector
	Health   *HealthRegistry
	Logger   *slog.Logger
	Metrics  *telemetry.EngineMetrics
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := opts.Health
	if health == nil {
		health = NewHealthRegistry()
	}
	return &Engine{
		selector: opts.Selector,
		breaker:  opts.Breaker,
		recorder: opts.Recorder,
		detector: opts.Detector,
		health:   health,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

func tracer() trace.Tracer {
	return otel.Tracer("arbiter/engine")
}

// Select asks the breaker which candidates may receive traffic and Thompson-
// samples among the survivors. Every model blocked means no selection: the
// caller gets an unavailability error, never a denied model.
func (e *Engine) Select(ctx context.Context, tenantID, domainID string, candidates []string) (bandit.Selection, error) {
	ctx, span := tracer().Start(ctx, "engine.select",
		trace.WithAttributes(
			attribute.String(telemetry.AttrTenantID, tenantID),
			attribute.String(telemetry.AttrDomainID, domainID),
			attribute.Int("candidates", len(candidates)),
		),
	)
	defer span.End()
	start := time.Now()

	if len(candidates) == 0 {
		err := arberrors.New(arberrors.CodeInvalidInput, "no candidate models", nil).
			WithContext("tenant_id", tenantID).
			WithContext("domain_id", domainID)
		span.RecordError(err)
		return bandit.Selection{}, err
	}

	allowed := make([]string, 0, len(candidates))
	for _, modelID := range candidates {
		decision, err := e.breaker.CanUse(ctx, tenantID, modelID)
		if err != nil {
			span.RecordError(err)
			e.metrics.RecordError(ctx, err, "breaker")
			return bandit.Selection{}, err
		}
		if !decision.Allowed {
			e.logger.Debug("engine.candidate.blocked",
				"tenant_id", tenantID,
				"model_id", modelID,
				"state", string(decision.State),
				"reason", decision.Reason,
			)
			continue
		}
		allowed = append(allowed, modelID)
	}

	if len(allowed) == 0 {
		err := arberrors.New(arberrors.CodeUnavailable, "all candidate models are circuit-broken", nil).
			WithContext("tenant_id", tenantID).
			WithContext("domain_id", domainID).
			WithContext("candidates", candidates).
			WithRecoverable(true)
		span.RecordError(err)
		return bandit.Selection{}, err
	}

	selection, err := e.selector.Select(ctx, tenantID, domainID, allowed)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, err, "selector")
		return bandit.Selection{}, err
	}

	span.SetAttributes(
		attribute.String(telemetry.AttrModelID, selection.ModelID),
		attribute.String(telemetry.AttrConfidenceTier, string(selection.Tier)),
	)
	e.metrics.RecordSelection(ctx, string(selection.Tier), time.Since(start).Seconds())
	e.logger.Info("engine.selected",
		"tenant_id", tenantID,
		"domain_id", domainID,
		"model_id", selection.ModelID,
		"tier", string(selection.Tier),
		"request_id", selection.RequestID,
	)
	return selection, nil
}

// CanUse evaluates the breaker for one (tenant, model) pair, applying any
// due open-to-half_open transition at read time.
func (e *Engine) CanUse(ctx context.Context, tenantID, modelID string) (breaker.Decision, error) {
	ctx, span := tracer().Start(ctx, "engine.can_use",
		trace.WithAttributes(
			attribute.String(telemetry.AttrTenantID, tenantID),
			attribute.String(telemetry.AttrModelID, modelID),
		),
	)
	defer span.End()

	decision, err := e.breaker.CanUse(ctx, tenantID, modelID)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, err, "breaker")
		return breaker.Decision{}, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrBreakerState, string(decision.State)))
	return decision, nil
}

// BreakerSnapshot returns the persisted breaker row for inspection.
func (e *Engine) BreakerSnapshot(ctx context.Context, tenantID, modelID string) (breaker.Snapshot, error) {
	return e.breaker.Snapshot(ctx, tenantID, modelID)
}

// Record persists an observation into bandit, breaker, and usage state.
func (e *Engine) Record(ctx context.Context, obs recorder.Observation) error {
	ctx, span := tracer().Start(ctx, "engine.record",
		trace.WithAttributes(
			attribute.String(telemetry.AttrTenantID, obs.TenantID),
			attribute.String(telemetry.AttrModelID, obs.ModelID),
			attribute.Bool(telemetry.AttrSuccess, obs.Success),
		),
	)
	defer span.End()

	if err := e.recorder.Record(ctx, obs); err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, err, "recorder")
		return err
	}
	return nil
}

// DetectDrift runs the statistical tests for the pair and returns the report.
func (e *Engine) DetectDrift(ctx context.Context, tenantID, modelID string, metrics []string) (drift.Report, error) {
	ctx, span := tracer().Start(ctx, "engine.detect_drift",
		trace.WithAttributes(
			attribute.String(telemetry.AttrTenantID, tenantID),
			attribute.String(telemetry.AttrModelID, modelID),
			attribute.Int("metrics", len(metrics)),
		),
	)
	defer span.End()

	report, err := e.detector.DetectDrift(ctx, tenantID, modelID, metrics)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, err, "drift")
		return drift.Report{}, err
	}
	span.SetAttributes(attribute.Bool(telemetry.AttrDriftDetected, report.OverallDriftDetected))
	return report, nil
}

// ListArms returns persisted arm evidence for inspection endpoints.
func (e *Engine) ListArms(ctx context.Context, tenantID, domainID string) ([]bandit.ArmState, error) {
	return e.selector.Arms(ctx, tenantID, domainID)
}

// Health runs every registered health check.
func (e *Engine) Health(ctx context.Context) ([]HealthResult, HealthStatus) {
	return e.health.CheckAll(ctx)
}
