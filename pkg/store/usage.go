// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"

	"github.com/jllopis/arbiter/pkg/drift"
	"github.com/jllopis/arbiter/pkg/recorder"
)

// AppendUsage writes raw metric rows. The log is append-only; rows are
// independent so no ordering or transactional guarantee is needed.
func (s *Store) AppendUsage(ctx context.Context, rows []recorder.UsageRow) error {
	for _, row := range rows {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO `+usageTable+` (id, tenant_id, model_id, metric, value, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			row.ID, row.TenantID, row.ModelID, row.Metric, row.Value, msTime(row.RecordedAt))
		if err != nil {
			return storeErr("append_usage", err)
		}
	}
	return nil
}

// MetricValues returns raw values for the metric inside [from, to), oldest
// first. This read path never touches the bandit or breaker tables.
func (s *Store) MetricValues(ctx context.Context, tenantID, modelID, metric string, from, to time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM `+usageTable+`
		 WHERE tenant_id = ? AND model_id = ? AND metric = ? AND recorded_at >= ? AND recorded_at < ?
		 ORDER BY recorded_at`,
		tenantID, modelID, metric, msTime(from), msTime(to))
	if err != nil {
		return nil, storeErr("metric_values", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, storeErr("metric_values", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("metric_values", err)
	}
	return values, nil
}

// ActivePairs lists the distinct (tenant, model) pairs with any usage row
// recorded at or after the cutoff.
func (s *Store) ActivePairs(ctx context.Context, since time.Time) ([]drift.Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id, model_id FROM `+usageTable+`
		 WHERE recorded_at >= ? ORDER BY tenant_id, model_id`,
		msTime(since))
	if err != nil {
		return nil, storeErr("active_pairs", err)
	}
	defer rows.Close()

	var pairs []drift.Pair
	for rows.Next() {
		var p drift.Pair
		if err := rows.Scan(&p.TenantID, &p.ModelID); err != nil {
			return nil, storeErr("active_pairs", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active_pairs", err)
	}
	return pairs, nil
}
