// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler periodically sweeps every (tenant, model) pair with recent
// usage and runs the detector against it. Detection stays a batch path:
// a sweep shares no locks with live selection traffic.
type Scheduler struct {
	detector    *Detector
	usage       UsageSource
	interval    time.Duration
	timeout     time.Duration
	lookback    time.Duration
	metricNames []string
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Detector *Detector
	Usage    UsageSource
	// Interval between sweeps. Set to 0 to disable the scheduler.
	Interval time.Duration
	// Timeout bounds one whole sweep. Zero means no bound.
	Timeout time.Duration
	// Lookback selects pairs with usage in the trailing window.
	// Defaults to seven days.
	Lookback time.Duration
	// MetricNames are the usage metrics tested on every sweep.
	MetricNames []string
	Logger      *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Scheduler{
		detector:    opts.Detector,
		usage:       opts.Usage,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		lookback:    lookback,
		metricNames: opts.MetricNames,
		logger:      logger,
	}
}

// Start launches the sweep loop. It returns immediately; use Stop to halt.
func (s *Scheduler) Start() {
	if s.interval <= 0 || len(s.metricNames) == 0 {
		s.logger.Info("drift.scheduler.disabled",
			slog.Duration("interval", s.interval),
			slog.Int("metrics", len(s.metricNames)),
		)
		return
	}
	if s.cancel != nil {
		s.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("drift.scheduler.start",
			slog.Duration("interval", s.interval),
			slog.Int("metrics", len(s.metricNames)),
		)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("drift.scheduler.stop")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	sweepStart := time.Now()
	sweepCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		sweepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sweepCtx, span := otel.Tracer("arbiter/drift").Start(sweepCtx, "drift.sweep",
		trace.WithAttributes(
			attribute.Int("metrics", len(s.metricNames)),
		),
	)
	defer span.End()

	pairs, err := s.usage.ActivePairs(sweepCtx, time.Now().Add(-s.lookback))
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("drift.sweep.list_pairs.error",
			slog.String("error", err.Error()),
		)
		return
	}

	detected := 0
	for _, pair := range pairs {
		report, err := s.detector.DetectDrift(sweepCtx, pair.TenantID, pair.ModelID, s.metricNames)
		if err != nil {
			s.logger.Warn("drift.sweep.pair.error",
				slog.String("tenant_id", pair.TenantID),
				slog.String("model_id", pair.ModelID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if report.OverallDriftDetected {
			detected++
		}
	}

	span.SetAttributes(
		attribute.Int("pairs", len(pairs)),
		attribute.Int("detected", detected),
	)
	s.logger.Info("drift.sweep.complete",
		slog.Int("pairs", len(pairs)),
		slog.Int("detected", detected),
		slog.Duration("duration", time.Since(sweepStart)),
	)
}
