// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package bandit implements Thompson-sampling model selection over
// per-(tenant, domain, model) Beta arms persisted in the shared store.
package bandit

import (
	"context"
	"time"
)

// ConfidenceTier classifies an arm by how much evidence backs it.
type ConfidenceTier string

const (
	TierExploring   ConfidenceTier = "exploring"
	TierLearning    ConfidenceTier = "learning"
	TierConfident   ConfidenceTier = "confident"
	TierEstablished ConfidenceTier = "established"
)

// ArmState is the persisted evidence for one (tenant, domain, model) arm.
// Alpha and beta only grow; staleness is discounted at read time.
type ArmState struct {
	TenantID               string    `json:"tenant_id"`
	DomainID               string    `json:"domain_id"`
	ModelID                string    `json:"model_id"`
	Alpha                  float64   `json:"alpha"`
	Beta                   float64   `json:"beta"`
	TotalObservations      int64     `json:"total_observations"`
	SuccessfulObservations int64     `json:"successful_observations"`
	LastObservationAt      time.Time `json:"last_observation_at,omitempty"`
}

// SuccessRate returns the observed success fraction, or 0 with no evidence.
func (a ArmState) SuccessRate() float64 {
	if a.TotalObservations == 0 {
		return 0
	}
	return float64(a.SuccessfulObservations) / float64(a.TotalObservations)
}

// Selection is the outcome of one selection round.
type Selection struct {
	RequestID string         `json:"request_id"`
	ModelID   string         `json:"model_id"`
	Tier      ConfidenceTier `json:"confidence_tier"`
	Score     float64        `json:"score"`
}

// ArmStore reads persisted arm state. Selection never writes: unknown arms
// are scored with in-memory defaults and only materialize when an
// observation is recorded.
type ArmStore interface {
	GetArm(ctx context.Context, tenantID, domainID, modelID string) (ArmState, bool, error)
	ListArms(ctx context.Context, tenantID, domainID string) ([]ArmState, error)
}
