// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now().UTC()
	ev := New(TypeBreakerOpened, "t1", "model-a", map[string]any{"failure_count": 5})
	after := time.Now().UTC()

	if ev.Timestamp.Before(before) || ev.Timestamp.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", ev.Timestamp, before, after)
	}
	if ev.TenantID != "t1" || ev.ModelID != "model-a" {
		t.Errorf("unexpected identity fields: %+v", ev)
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := New(TypeDriftDetected, "t1", "model-a", map[string]any{"metric": "latency_ms"})
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != "drift.detected" {
		t.Errorf("expected type drift.detected, got %v", decoded["type"])
	}
	if decoded["tenant_id"] != "t1" {
		t.Errorf("expected tenant_id t1, got %v", decoded["tenant_id"])
	}
}
