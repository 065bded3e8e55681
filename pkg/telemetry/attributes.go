// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

// Semantic attribute keys shared across spans, metrics, and logs.
const (
	AttrTenantID       = "arbiter.tenant.id"
	AttrDomainID       = "arbiter.domain.id"
	AttrModelID        = "arbiter.model.id"
	AttrConfidenceTier = "arbiter.selection.tier"
	AttrBreakerState   = "arbiter.breaker.state"
	AttrDriftTest      = "arbiter.drift.test"
	AttrDriftDetected  = "arbiter.drift.detected"
	AttrSuccess        = "arbiter.observation.success"
	AttrErrorCode      = "arbiter.error.code"
	AttrComponent      = "arbiter.component"
)
