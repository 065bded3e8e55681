// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the protective and statistical events the engine
// emits for downstream alerting.
package event

import (
	"context"
	"time"
)

// Type identifies a semantic event emitted by the engine.
type Type string

const (
	TypeBreakerOpened   Type = "breaker.opened"
	TypeBreakerHalfOpen Type = "breaker.half_open"
	TypeBreakerClosed   Type = "breaker.closed"
	TypeDriftDetected   Type = "drift.detected"
)

// Event captures one semantic engine event.
type Event struct {
	Type      Type           `json:"type"`
	TenantID  string         `json:"tenant_id"`
	ModelID   string         `json:"model_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter receives semantic events. Emission is fire-and-forget; the
// engine never blocks a decision on alert delivery.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEmitter is a default no-op implementation.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(_ context.Context, _ Event) {}

// New builds an event stamped with the current time.
func New(eventType Type, tenantID, modelID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		TenantID:  tenantID,
		ModelID:   modelID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
