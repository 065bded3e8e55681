// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jllopis/arbiter/pkg/drift"
)

// SaveResults persists one row per (metric, test) of the report. Reports are
// immutable history: report IDs are fresh per call, so plain inserts suffice.
func (s *Store) SaveResults(ctx context.Context, report drift.Report) error {
	generatedAt := msTime(report.GeneratedAt)
	for _, mr := range report.Metrics {
		for _, r := range mr.Results {
			var pValue sql.NullFloat64
			if r.PValue != nil {
				pValue = sql.NullFloat64{Float64: *r.PValue, Valid: true}
			}
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO `+driftResultTable+`
				 (report_id, tenant_id, model_id, metric, test_type, drift_detected, test_statistic, p_value, threshold_used, reference_samples, comparison_samples, message, generated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				report.ReportID, report.TenantID, report.ModelID, mr.Metric, string(r.TestType),
				boolInt(r.DriftDetected), r.TestStatistic, pValue, r.ThresholdUsed,
				r.ReferenceSamples, r.ComparisonSamples, r.Message, generatedAt)
			if err != nil {
				return storeErr("save_drift_results", err)
			}
		}
	}
	return nil
}

// GetStats returns the cached window summary when present and unexpired.
func (s *Store) GetStats(ctx context.Context, tenantID, modelID, metric string, from, to time.Time) (drift.DistributionStats, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stats_json FROM `+statsCacheTable+`
		 WHERE tenant_id = ? AND model_id = ? AND metric = ? AND window_start = ? AND window_end = ? AND expires_at > ?`,
		tenantID, modelID, metric, msTime(from), msTime(to), time.Now().UTC().UnixMilli())

	var blob []byte
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return drift.DistributionStats{}, false, nil
	}
	if err != nil {
		return drift.DistributionStats{}, false, storeErr("get_stats", err)
	}
	var stats drift.DistributionStats
	if err := json.Unmarshal(blob, &stats); err != nil {
		return drift.DistributionStats{}, false, storeErr("get_stats", err)
	}
	return stats, true, nil
}

// PutStats upserts the cached window summary with its expiry.
func (s *Store) PutStats(ctx context.Context, tenantID, modelID, metric string, from, to time.Time, stats drift.DistributionStats, expiresAt time.Time) error {
	blob, err := json.Marshal(stats)
	if err != nil {
		return storeErr("put_stats", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+statsCacheTable+` (tenant_id, model_id, metric, window_start, window_end, stats_json, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, model_id, metric, window_start, window_end) DO UPDATE SET
			stats_json = excluded.stats_json,
			expires_at = excluded.expires_at`,
		tenantID, modelID, metric, msTime(from), msTime(to), blob, msTime(expiresAt))
	if err != nil {
		return storeErr("put_stats", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
