// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package tenantconf

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jllopis/arbiter/pkg/errors"
)

// Source yields the effective configuration for a tenant.
type Source interface {
	ConfigFor(ctx context.Context, tenantID string) (Config, error)
}

// RowSource reads the raw stored configuration row for a tenant.
// A missing row is (nil, false, nil), never an error.
type RowSource interface {
	TenantConfigRow(ctx context.Context, tenantID string) ([]byte, bool, error)
}

// Provider merges stored tenant rows over the documented defaults.
type Provider struct {
	rows   RowSource
	logger *slog.Logger
}

// NewProvider creates a store-backed configuration source.
func NewProvider(rows RowSource, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{rows: rows, logger: logger}
}

// ConfigFor returns the tenant's configuration. Absent rows yield the
// defaults. A corrupt row is logged and the defaults are served so routing
// keeps working; a store failure propagates so callers can fail fast.
func (p *Provider) ConfigFor(ctx context.Context, tenantID string) (Config, error) {
	cfg := Default()
	raw, found, err := p.rows.TenantConfigRow(ctx, tenantID)
	if err != nil {
		return Config{}, errors.New(errors.CodeStoreUnavailable, "tenant config read failed", err).
			WithContext("tenant_id", tenantID)
	}
	if !found {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		p.logger.ErrorContext(ctx, "tenantconf.row.corrupt",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		return Default(), nil
	}
	return cfg, nil
}

// Static serves fixed configurations, mostly for tests and tooling.
// Tenants without an entry get the defaults.
type Static struct {
	Configs map[string]Config
}

// ConfigFor implements Source.
func (s Static) ConfigFor(_ context.Context, tenantID string) (Config, error) {
	if cfg, ok := s.Configs[tenantID]; ok {
		return cfg, nil
	}
	return Default(), nil
}
