// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/jllopis/arbiter/pkg/bandit"
	"github.com/jllopis/arbiter/pkg/recorder"
)

const armColumns = `tenant_id, domain_id, model_id, alpha, beta, total_observations, successful_observations, last_observation_at`

// GetArm returns the persisted arm, reporting absence without error.
func (s *Store) GetArm(ctx context.Context, tenantID, domainID, modelID string) (bandit.ArmState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+armColumns+` FROM `+armTable+` WHERE tenant_id = ? AND domain_id = ? AND model_id = ?`,
		tenantID, domainID, modelID)
	arm, err := scanArm(row)
	if err == sql.ErrNoRows {
		return bandit.ArmState{}, false, nil
	}
	if err != nil {
		return bandit.ArmState{}, false, storeErr("get_arm", err)
	}
	return arm, true, nil
}

// ListArms returns every arm recorded for the (tenant, domain) pair.
func (s *Store) ListArms(ctx context.Context, tenantID, domainID string) ([]bandit.ArmState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+armColumns+` FROM `+armTable+` WHERE tenant_id = ? AND domain_id = ? ORDER BY model_id`,
		tenantID, domainID)
	if err != nil {
		return nil, storeErr("list_arms", err)
	}
	defer rows.Close()

	var arms []bandit.ArmState
	for rows.Next() {
		arm, err := scanArm(rows)
		if err != nil {
			return nil, storeErr("list_arms", err)
		}
		arms = append(arms, arm)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_arms", err)
	}
	return arms, nil
}

// ApplyArmDelta folds one observation into the arm with a single upsert.
// A missing row is created from the bootstrap shapes; an existing row gets
// the +1 increment on the matching side. Concurrent deltas both land: the
// increments read the stored row, not the caller's view of it.
func (s *Store) ApplyArmDelta(ctx context.Context, delta recorder.ArmDelta) error {
	alphaInc, betaInc, successInc := 0.0, 1.0, 0
	if delta.Success {
		alphaInc, betaInc, successInc = 1.0, 0.0, 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+armTable+` (`+armColumns+`)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(tenant_id, domain_id, model_id) DO UPDATE SET
			alpha = alpha + ?,
			beta = beta + ?,
			total_observations = total_observations + 1,
			successful_observations = successful_observations + ?,
			last_observation_at = excluded.last_observation_at`,
		delta.TenantID, delta.DomainID, delta.ModelID,
		delta.BootstrapAlpha, delta.BootstrapBeta, successInc, msTime(delta.At),
		alphaInc, betaInc, successInc)
	if err != nil {
		return storeErr("apply_arm_delta", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArm(row rowScanner) (bandit.ArmState, error) {
	var arm bandit.ArmState
	var lastObs int64
	err := row.Scan(&arm.TenantID, &arm.DomainID, &arm.ModelID,
		&arm.Alpha, &arm.Beta, &arm.TotalObservations, &arm.SuccessfulObservations, &lastObs)
	if err != nil {
		return bandit.ArmState{}, err
	}
	arm.LastObservationAt = timeMS(lastObs)
	return arm, nil
}
