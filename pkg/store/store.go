// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the single shared-state layer: a SQLite database holding
// bandit arms, circuit breakers, the raw usage log, drift results, cached
// window statistics, and tenant configuration. Stateless workers coordinate
// exclusively through the conditional statements in this package; there is
// no in-process locking anywhere above it.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/arbiter/pkg/bandit"
	"github.com/jllopis/arbiter/pkg/breaker"
	"github.com/jllopis/arbiter/pkg/drift"
	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/recorder"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

const (
	armTable          = "bandit_arms"
	breakerTable      = "circuit_breakers"
	usageTable        = "usage_log"
	driftResultTable  = "drift_results"
	statsCacheTable   = "distribution_cache"
	tenantConfigTable = "tenant_config"
)

// Store implements every persistence interface the engine components need.
type Store struct {
	db *sql.DB
}

var (
	_ bandit.ArmStore      = (*Store)(nil)
	_ breaker.StateStore   = (*Store)(nil)
	_ recorder.StateStore  = (*Store)(nil)
	_ drift.UsageSource    = (*Store)(nil)
	_ drift.ResultSink     = (*Store)(nil)
	_ drift.StatsCache     = (*Store)(nil)
	_ tenantconf.RowSource = (*Store)(nil)
)

// New wraps an existing database handle and ensures the schema.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, arberrors.New(arberrors.CodeConfig, "db is nil", nil)
	}
	if err := ensureSchema(db); err != nil {
		return nil, arberrors.New(arberrors.CodeStoreUnavailable, "failed to ensure schema", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) the database at path and ensures the schema.
// WAL mode and a busy timeout are applied unless the caller already passed
// connection parameters.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, arberrors.New(arberrors.CodeStoreUnavailable, "failed to open database", err).
			WithContext("path", path)
	}
	return New(db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return arberrors.New(arberrors.CodeStoreUnavailable, "database unreachable", err)
	}
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + armTable + ` (
			tenant_id TEXT NOT NULL,
			domain_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			alpha REAL NOT NULL,
			beta REAL NOT NULL,
			total_observations INTEGER NOT NULL DEFAULT 0,
			successful_observations INTEGER NOT NULL DEFAULT 0,
			last_observation_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(tenant_id, domain_id, model_id)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + breakerTable + ` (
			tenant_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'closed',
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at INTEGER NOT NULL DEFAULT 0,
			last_success_at INTEGER NOT NULL DEFAULT 0,
			opened_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(tenant_id, model_id)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + usageTable + ` (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + usageTable + `_lookup ON ` + usageTable + `(tenant_id, model_id, metric, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_` + usageTable + `_recorded ON ` + usageTable + `(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS ` + driftResultTable + ` (
			report_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			test_type TEXT NOT NULL,
			drift_detected INTEGER NOT NULL,
			test_statistic REAL NOT NULL,
			p_value REAL,
			threshold_used REAL NOT NULL,
			reference_samples INTEGER NOT NULL,
			comparison_samples INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			generated_at INTEGER NOT NULL,
			PRIMARY KEY(report_id, metric, test_type)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + driftResultTable + `_pair ON ` + driftResultTable + `(tenant_id, model_id, generated_at);`,
		`CREATE TABLE IF NOT EXISTS ` + statsCacheTable + ` (
			tenant_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			stats_json BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY(tenant_id, model_id, metric, window_start, window_end)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + tenantConfigTable + ` (
			tenant_id TEXT PRIMARY KEY,
			config_json BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// storeErr wraps a database error with the failing operation.
func storeErr(op string, err error) error {
	return arberrors.New(arberrors.CodeStoreUnavailable, "store operation failed", err).
		WithContext("op", op)
}

// msTime converts a time to unix milliseconds, keeping zero times at 0.
func msTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

// timeMS converts unix milliseconds back, keeping 0 as the zero time.
func timeMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
