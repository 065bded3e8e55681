// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package recorder persists request outcomes: bandit evidence, breaker
// results, and raw usage-log rows for drift detection. Each write is an
// independent atomic operation; none assumes exclusive access to its row.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/telemetry"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

// successMetric is the pseudo-metric logged for every observation so drift
// detection can watch the outcome distribution itself.
const successMetric = "success"

// Observation is one completed downstream request outcome.
type Observation struct {
	TenantID string             `json:"tenant_id"`
	DomainID string             `json:"domain_id"`
	ModelID  string             `json:"model_id"`
	Success  bool               `json:"success"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// ArmDelta is one observation folded into an arm: +1 alpha on success or
// +1 beta on failure, with bootstrap shapes used only when the upsert
// creates the row.
type ArmDelta struct {
	TenantID       string
	DomainID       string
	ModelID        string
	Success        bool
	BootstrapAlpha float64
	BootstrapBeta  float64
	At             time.Time
}

// UsageRow is one raw metric value in the usage log.
type UsageRow struct {
	ID         string
	TenantID   string
	ModelID    string
	Metric     string
	Value      float64
	RecordedAt time.Time
}

// StateStore persists recorder writes. ApplyArmDelta must be a single
// upsert-increment statement so concurrent observers never lose counts.
type StateStore interface {
	ApplyArmDelta(ctx context.Context, delta ArmDelta) error
	AppendUsage(ctx context.Context, rows []UsageRow) error
}

// ResultSink receives the outcome for breaker accounting.
type ResultSink interface {
	RecordResult(ctx context.Context, tenantID, modelID string, success bool) error
}

// Recorder folds observations into bandit, breaker, and usage-log state.
type Recorder struct {
	store   StateStore
	breaker ResultSink
	configs tenantconf.Source
	logger  *slog.Logger
	metrics *telemetry.EngineMetrics
	clock   func() time.Time
}

// Options configures a Recorder.
type Options struct {
	Store   StateStore
	Breaker ResultSink
	Configs tenantconf.Source
	Logger  *slog.Logger
	Metrics *telemetry.EngineMetrics
	Clock   func() time.Time
}

// New creates a Recorder.
func New(opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		store:   opts.Store,
		breaker: opts.Breaker,
		configs: opts.Configs,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clock,
	}
}

// Record persists one observation. The arm upsert, the breaker result, and
// the usage rows are separate atomic writes; a failure part-way leaves the
// earlier writes in place, which is acceptable because every table is
// individually consistent.
func (r *Recorder) Record(ctx context.Context, obs Observation) error {
	if obs.TenantID == "" || obs.DomainID == "" || obs.ModelID == "" {
		return arberrors.New(arberrors.CodeInvalidInput, "tenant_id, domain_id, and model_id are required", nil)
	}

	cfg, err := r.configs.ConfigFor(ctx, obs.TenantID)
	if err != nil {
		return err
	}
	now := r.clock()

	delta := ArmDelta{
		TenantID: obs.TenantID,
		DomainID: obs.DomainID,
		ModelID:  obs.ModelID,
		Success:  obs.Success,
		At:       now,
	}
	if obs.Success {
		delta.BootstrapAlpha = cfg.Bandit.BootstrapSuccessAlpha
		delta.BootstrapBeta = cfg.Bandit.BootstrapSuccessBeta
	} else {
		delta.BootstrapAlpha = cfg.Bandit.BootstrapFailureAlpha
		delta.BootstrapBeta = cfg.Bandit.BootstrapFailureBeta
	}
	if err := r.store.ApplyArmDelta(ctx, delta); err != nil {
		return err
	}

	if err := r.breaker.RecordResult(ctx, obs.TenantID, obs.ModelID, obs.Success); err != nil {
		return err
	}

	rows := make([]UsageRow, 0, len(obs.Metrics)+1)
	for metric, value := range obs.Metrics {
		rows = append(rows, UsageRow{
			ID:         ulid.Make().String(),
			TenantID:   obs.TenantID,
			ModelID:    obs.ModelID,
			Metric:     metric,
			Value:      value,
			RecordedAt: now,
		})
	}
	if _, explicit := obs.Metrics[successMetric]; !explicit {
		value := 0.0
		if obs.Success {
			value = 1.0
		}
		rows = append(rows, UsageRow{
			ID:         ulid.Make().String(),
			TenantID:   obs.TenantID,
			ModelID:    obs.ModelID,
			Metric:     successMetric,
			Value:      value,
			RecordedAt: now,
		})
	}
	if err := r.store.AppendUsage(ctx, rows); err != nil {
		return err
	}

	r.metrics.RecordObservation(ctx, obs.Success)
	r.logger.Debug("recorder.observation",
		"tenant_id", obs.TenantID,
		"domain_id", obs.DomainID,
		"model_id", obs.ModelID,
		"success", obs.Success,
		"metric_count", len(rows),
	)
	return nil
}
