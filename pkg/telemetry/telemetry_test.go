// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestConfigureSlogLevels(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"WARN", slog.LevelWarn, slog.LevelInfo},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tc := range cases {
		logger := ConfigureSlog(tc.level, "text")
		if !logger.Handler().Enabled(ctx, tc.enabled) {
			t.Errorf("level %q: %v should be enabled", tc.level, tc.enabled)
		}
		if logger.Handler().Enabled(ctx, tc.muted) {
			t.Errorf("level %q: %v should be muted", tc.level, tc.muted)
		}
	}
}

func TestTraceHandlerDecoratesSpans(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&traceHandler{inner: slog.NewTextHandler(&buf, nil)})

	logger.InfoContext(context.Background(), "plain record")
	if out := buf.String(); strings.Contains(out, "trace_id") {
		t.Errorf("record without a span carries trace_id: %s", out)
	}

	buf.Reset()
	traceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatalf("span id: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "traced record")
	out := buf.String()
	if !strings.Contains(out, "trace_id=0123456789abcdef0123456789abcdef") {
		t.Errorf("missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id=0123456789abcdef") {
		t.Errorf("missing span_id: %s", out)
	}
}

func TestEngineMetricsNilReceiver(t *testing.T) {
	ctx := context.Background()
	var m *EngineMetrics

	m.RecordSelection(ctx, "exploring", 0.01)
	m.RecordObservation(ctx, true)
	m.RecordBreakerTransition(ctx, "open")
	m.RecordDriftTest(ctx, "ks_test", false)
	m.RecordError(ctx, errors.New("boom"), "breaker")
	m.RecordError(ctx, nil, "breaker")
}
