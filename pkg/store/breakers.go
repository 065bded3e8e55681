// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jllopis/arbiter/pkg/breaker"
)

const breakerColumns = `tenant_id, model_id, state, failure_count, success_count, last_failure_at, last_success_at, opened_at`

// GetBreaker returns the persisted breaker row, reporting absence without
// error; a missing row means the breaker has never recorded a result.
func (s *Store) GetBreaker(ctx context.Context, tenantID, modelID string) (breaker.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM `+breakerTable+` WHERE tenant_id = ? AND model_id = ?`,
		tenantID, modelID)

	var snap breaker.Snapshot
	var state string
	var lastFailure, lastSuccess, openedAt int64
	err := row.Scan(&snap.TenantID, &snap.ModelID, &state,
		&snap.FailureCount, &snap.SuccessCount, &lastFailure, &lastSuccess, &openedAt)
	if err == sql.ErrNoRows {
		return breaker.Snapshot{}, false, nil
	}
	if err != nil {
		return breaker.Snapshot{}, false, storeErr("get_breaker", err)
	}
	snap.State = breaker.State(state)
	snap.LastFailureAt = timeMS(lastFailure)
	snap.LastSuccessAt = timeMS(lastSuccess)
	snap.OpenedAt = timeMS(openedAt)
	return snap, true, nil
}

// RecordSuccess bumps the success counter, creating the row closed.
func (s *Store) RecordSuccess(ctx context.Context, tenantID, modelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+breakerTable+` (tenant_id, model_id, state, failure_count, success_count, last_failure_at, last_success_at, opened_at)
		 VALUES (?, ?, 'closed', 0, 1, 0, ?, 0)
		 ON CONFLICT(tenant_id, model_id) DO UPDATE SET
			success_count = success_count + 1,
			last_success_at = excluded.last_success_at`,
		tenantID, modelID, msTime(at))
	if err != nil {
		return storeErr("record_success", err)
	}
	return nil
}

// RecordFailure bumps the failure counter, creating the row closed.
func (s *Store) RecordFailure(ctx context.Context, tenantID, modelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+breakerTable+` (tenant_id, model_id, state, failure_count, success_count, last_failure_at, last_success_at, opened_at)
		 VALUES (?, ?, 'closed', 1, 0, ?, 0, 0)
		 ON CONFLICT(tenant_id, model_id) DO UPDATE SET
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at`,
		tenantID, modelID, msTime(at))
	if err != nil {
		return storeErr("record_failure", err)
	}
	return nil
}

// TripOpen moves the breaker to open when the guard holds: any failure in
// half_open trips it, a closed breaker trips once failures reach the
// threshold. Exactly one of any number of concurrent callers observes true.
func (s *Store) TripOpen(ctx context.Context, tenantID, modelID string, threshold int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+breakerTable+` SET state = 'open', opened_at = ?
		 WHERE tenant_id = ? AND model_id = ?
		   AND (state = 'half_open' OR (state = 'closed' AND failure_count >= ?))`,
		msTime(at), tenantID, modelID, threshold)
	if err != nil {
		return false, storeErr("trip_open", err)
	}
	return affected(res, "trip_open")
}

// ProbeHalfOpen moves an open breaker to half_open and resets the probe
// budget. The opened_at guard makes this a compare-and-set: a concurrent
// failure that refreshed opened_at invalidates the caller's observation.
func (s *Store) ProbeHalfOpen(ctx context.Context, tenantID, modelID string, openedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+breakerTable+` SET state = 'half_open', success_count = 0
		 WHERE tenant_id = ? AND model_id = ? AND state = 'open' AND opened_at = ?`,
		tenantID, modelID, msTime(openedAt))
	if err != nil {
		return false, storeErr("probe_half_open", err)
	}
	return affected(res, "probe_half_open")
}

// Restore closes a half_open breaker and resets its failure count.
func (s *Store) Restore(ctx context.Context, tenantID, modelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+breakerTable+` SET state = 'closed', failure_count = 0
		 WHERE tenant_id = ? AND model_id = ? AND state = 'half_open'`,
		tenantID, modelID)
	if err != nil {
		return false, storeErr("restore", err)
	}
	return affected(res, "restore")
}

func affected(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(op, err)
	}
	return n > 0, nil
}
