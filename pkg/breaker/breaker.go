// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a store-backed circuit breaker per
// (tenant, model) pair. All state lives in the shared store and every
// mutation is a single conditional statement, so any number of stateless
// workers can drive the same breaker without lost updates.
package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/arbiter/pkg/event"
	"github.com/jllopis/arbiter/pkg/telemetry"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

// State is the breaker position for one (tenant, model) pair.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is the persisted breaker row as last read. It may be stale the
// moment it is returned; decisions that matter re-check with guarded writes.
type Snapshot struct {
	TenantID      string    `json:"tenant_id"`
	ModelID       string    `json:"model_id"`
	State         State     `json:"state"`
	FailureCount  int64     `json:"failure_count"`
	SuccessCount  int64     `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Decision is the result of an availability check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	State   State  `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// StateStore persists breaker state. Every mutating method must be a single
// atomic statement; the conditional methods report whether the guarded
// transition actually happened so exactly one concurrent caller wins.
type StateStore interface {
	GetBreaker(ctx context.Context, tenantID, modelID string) (Snapshot, bool, error)
	// RecordSuccess increments the success counter, creating the row if needed.
	RecordSuccess(ctx context.Context, tenantID, modelID string, at time.Time) error
	// RecordFailure increments the failure counter, creating the row if needed.
	RecordFailure(ctx context.Context, tenantID, modelID string, at time.Time) error
	// TripOpen moves the breaker to open when it is half_open, or closed with
	// at least threshold failures.
	TripOpen(ctx context.Context, tenantID, modelID string, threshold int64, at time.Time) (bool, error)
	// ProbeHalfOpen moves an open breaker to half_open, guarded on the
	// openedAt value the caller observed, and zeroes the probe budget.
	ProbeHalfOpen(ctx context.Context, tenantID, modelID string, openedAt time.Time) (bool, error)
	// Restore moves a half_open breaker to closed and resets failures.
	Restore(ctx context.Context, tenantID, modelID string) (bool, error)
}

// Breaker gates candidate models by their recent failure history.
type Breaker struct {
	store   StateStore
	configs tenantconf.Source
	emitter event.Emitter
	logger  *slog.Logger
	metrics *telemetry.EngineMetrics
	clock   func() time.Time
}

// Options configures a Breaker.
type Options struct {
	Store   StateStore
	Configs tenantconf.Source
	Emitter event.Emitter
	Logger  *slog.Logger
	Metrics *telemetry.EngineMetrics
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// New creates a Breaker.
func New(opts Options) *Breaker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = event.NoopEmitter{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		store:   opts.Store,
		configs: opts.Configs,
		emitter: emitter,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clock,
	}
}

// CanUse reports whether traffic may be sent to the model right now.
// An open breaker whose reset timeout has elapsed is moved to half_open
// here, at read time; no background timer exists.
func (b *Breaker) CanUse(ctx context.Context, tenantID, modelID string) (Decision, error) {
	snap, found, err := b.store.GetBreaker(ctx, tenantID, modelID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		// No recorded results yet. The row is created lazily by RecordResult.
		return Decision{Allowed: true, State: StateClosed}, nil
	}

	cfg, err := b.configs.ConfigFor(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	switch snap.State {
	case StateClosed:
		return Decision{Allowed: true, State: StateClosed}, nil

	case StateOpen:
		elapsed := b.clock().Sub(snap.OpenedAt)
		if elapsed < time.Duration(cfg.Breaker.ResetTimeoutSeconds)*time.Second {
			return Decision{Allowed: false, State: StateOpen, Reason: "circuit open"}, nil
		}
		moved, err := b.store.ProbeHalfOpen(ctx, tenantID, modelID, snap.OpenedAt)
		if err != nil {
			return Decision{}, err
		}
		if moved {
			b.transitioned(ctx, tenantID, modelID, event.TypeBreakerHalfOpen, StateHalfOpen, nil)
			return Decision{Allowed: true, State: StateHalfOpen}, nil
		}
		// Lost the race: another worker probed first or a fresh failure
		// refreshed openedAt. Re-read and decide from the current row.
		snap, found, err = b.store.GetBreaker(ctx, tenantID, modelID)
		if err != nil {
			return Decision{}, err
		}
		if found && snap.State == StateHalfOpen {
			return b.halfOpenDecision(snap, cfg.Breaker), nil
		}
		return Decision{Allowed: false, State: StateOpen, Reason: "circuit open"}, nil

	case StateHalfOpen:
		return b.halfOpenDecision(snap, cfg.Breaker), nil

	default:
		return Decision{Allowed: true, State: snap.State}, nil
	}
}

func (b *Breaker) halfOpenDecision(snap Snapshot, cfg tenantconf.BreakerConfig) Decision {
	if snap.SuccessCount < cfg.HalfOpenMaxCalls {
		return Decision{Allowed: true, State: StateHalfOpen}
	}
	return Decision{Allowed: false, State: StateHalfOpen, Reason: "half-open probe budget exhausted"}
}

// RecordResult folds one request outcome into the breaker. Counter updates
// and guarded transitions are separate atomic statements; each is race-safe
// on its own and no step assumes exclusive access to the row.
func (b *Breaker) RecordResult(ctx context.Context, tenantID, modelID string, success bool) error {
	cfg, err := b.configs.ConfigFor(ctx, tenantID)
	if err != nil {
		return err
	}
	now := b.clock()

	if success {
		if err := b.store.RecordSuccess(ctx, tenantID, modelID, now); err != nil {
			return err
		}
		restored, err := b.store.Restore(ctx, tenantID, modelID)
		if err != nil {
			return err
		}
		if restored {
			b.transitioned(ctx, tenantID, modelID, event.TypeBreakerClosed, StateClosed, nil)
		}
		return nil
	}

	if err := b.store.RecordFailure(ctx, tenantID, modelID, now); err != nil {
		return err
	}
	tripped, err := b.store.TripOpen(ctx, tenantID, modelID, cfg.Breaker.FailureThreshold, now)
	if err != nil {
		return err
	}
	if tripped {
		b.logger.Warn("breaker.opened",
			"tenant_id", tenantID,
			"model_id", modelID,
			"failure_threshold", cfg.Breaker.FailureThreshold,
		)
		b.transitioned(ctx, tenantID, modelID, event.TypeBreakerOpened, StateOpen, map[string]any{
			"failure_threshold": cfg.Breaker.FailureThreshold,
		})
	}
	return nil
}

// Snapshot returns the current persisted state for inspection endpoints.
// Missing rows read as a closed breaker with zero counters.
func (b *Breaker) Snapshot(ctx context.Context, tenantID, modelID string) (Snapshot, error) {
	snap, found, err := b.store.GetBreaker(ctx, tenantID, modelID)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{TenantID: tenantID, ModelID: modelID, State: StateClosed}, nil
	}
	return snap, nil
}

func (b *Breaker) transitioned(ctx context.Context, tenantID, modelID string, typ event.Type, to State, payload map[string]any) {
	b.metrics.RecordBreakerTransition(ctx, string(to))
	if typ != event.TypeBreakerOpened {
		b.logger.Info("breaker.transition",
			"tenant_id", tenantID,
			"model_id", modelID,
			"state", string(to),
		)
	}
	b.emitter.Emit(ctx, event.New(typ, tenantID, modelID, payload))
}
