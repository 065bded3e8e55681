// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"
)

// TenantConfigRow returns the stored configuration document for the tenant.
// Absence is not an error; the caller falls back to defaults.
func (s *Store) TenantConfigRow(ctx context.Context, tenantID string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM `+tenantConfigTable+` WHERE tenant_id = ?`, tenantID)
	var blob []byte
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("tenant_config_row", err)
	}
	return blob, true, nil
}

// SetTenantConfig upserts the tenant's configuration document.
func (s *Store) SetTenantConfig(ctx context.Context, tenantID string, configJSON []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+tenantConfigTable+` (tenant_id, config_json, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		tenantID, configJSON, time.Now().UTC().UnixMilli())
	if err != nil {
		return storeErr("set_tenant_config", err)
	}
	return nil
}
