// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSEmitter publishes engine events as JSON on NATS subjects of the form
// <prefix>.<event type>, e.g. arbiter.events.breaker.opened. Delivery
// failures are logged, never surfaced to the emitting decision path.
type NATSEmitter struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSEmitter wraps an established NATS connection.
func NewNATSEmitter(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSEmitter {
	if prefix == "" {
		prefix = "arbiter.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSEmitter{conn: conn, prefix: prefix, logger: logger}
}

// Emit implements Emitter.
func (e *NATSEmitter) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.ErrorContext(ctx, "event.encode.failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	subject := e.prefix + "." + string(ev.Type)
	if err := e.conn.Publish(subject, payload); err != nil {
		e.logger.WarnContext(ctx, "event.publish.failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.DebugContext(ctx, "event.published",
		slog.String("subject", subject),
		slog.String("tenant_id", ev.TenantID),
		slog.String("model_id", ev.ModelID),
	)
}
