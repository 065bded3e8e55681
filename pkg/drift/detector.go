// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/event"
	"github.com/jllopis/arbiter/pkg/telemetry"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

// embeddingMetric is the pseudo-metric name under which the
// embedding-distance test result is reported and persisted.
const embeddingMetric = "embeddings"

// Detector runs the configured statistical tests for one (tenant, model)
// pair. It only reads the usage log and writes drift results; live bandit
// and breaker state is never touched.
type Detector struct {
	usage      UsageSource
	sink       ResultSink
	cache      StatsCache
	embeddings EmbeddingSource
	configs    tenantconf.Source
	emitter    event.Emitter
	logger     *slog.Logger
	metrics    *telemetry.EngineMetrics
	clock      func() time.Time
}

// DetectorOptions configures a Detector. Cache and Embeddings are optional.
type DetectorOptions struct {
	Usage      UsageSource
	Sink       ResultSink
	Cache      StatsCache
	Embeddings EmbeddingSource
	Configs    tenantconf.Source
	Emitter    event.Emitter
	Logger     *slog.Logger
	Metrics    *telemetry.EngineMetrics
	Clock      func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(opts DetectorOptions) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = event.NoopEmitter{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Detector{
		usage:      opts.Usage,
		sink:       opts.Sink,
		cache:      opts.Cache,
		embeddings: opts.Embeddings,
		configs:    opts.Configs,
		emitter:    emitter,
		logger:     logger,
		metrics:    opts.Metrics,
		clock:      clock,
	}
}

// DetectDrift compares the reference and comparison windows for every named
// metric. A metric that cannot be computed is logged and skipped; it never
// aborts the remaining metrics. The report is persisted before returning,
// and a drift event is emitted when any test fired.
func (d *Detector) DetectDrift(ctx context.Context, tenantID, modelID string, metrics []string) (Report, error) {
	if tenantID == "" || modelID == "" {
		return Report{}, arberrors.New(arberrors.CodeInvalidInput, "tenant_id and model_id are required", nil)
	}
	if len(metrics) == 0 {
		return Report{}, arberrors.New(arberrors.CodeInvalidInput, "no metrics to test", nil).
			WithContext("tenant_id", tenantID).
			WithContext("model_id", modelID)
	}

	cfg, err := d.configs.ConfigFor(ctx, tenantID)
	if err != nil {
		return Report{}, err
	}

	now := d.clock()
	// Hour-truncated window edges keep cache keys stable between closely
	// spaced scheduler runs.
	compTo := now.Truncate(time.Hour)
	compFrom := compTo.AddDate(0, 0, -cfg.Drift.ComparisonWindowDays)
	refTo := compFrom
	refFrom := refTo.AddDate(0, 0, -cfg.Drift.ReferenceWindowDays)

	report := Report{
		ReportID:    uuid.NewString(),
		TenantID:    tenantID,
		ModelID:     modelID,
		GeneratedAt: now,
	}

	for _, metric := range metrics {
		mr, skipReason, err := d.analyzeMetric(ctx, tenantID, modelID, metric, cfg.Drift, refFrom, refTo, compFrom, compTo)
		if err != nil {
			d.logger.Error("drift.metric.failed",
				"tenant_id", tenantID,
				"model_id", modelID,
				"metric", metric,
				"error", err,
			)
			report.Skipped = append(report.Skipped, SkippedMetric{Metric: metric, Reason: "computation failed"})
			continue
		}
		if skipReason != "" {
			report.Skipped = append(report.Skipped, SkippedMetric{Metric: metric, Reason: skipReason})
			continue
		}
		report.Metrics = append(report.Metrics, mr)
	}

	if d.embeddings != nil {
		mr, skipReason, err := d.analyzeEmbeddings(ctx, tenantID, modelID, cfg.Drift, refFrom, refTo, compFrom, compTo)
		switch {
		case err != nil:
			d.logger.Error("drift.embeddings.failed",
				"tenant_id", tenantID,
				"model_id", modelID,
				"error", err,
			)
			report.Skipped = append(report.Skipped, SkippedMetric{Metric: embeddingMetric, Reason: "computation failed"})
		case skipReason != "":
			report.Skipped = append(report.Skipped, SkippedMetric{Metric: embeddingMetric, Reason: skipReason})
		default:
			report.Metrics = append(report.Metrics, mr)
		}
	}

	for _, mr := range report.Metrics {
		for _, r := range mr.Results {
			d.metrics.RecordDriftTest(ctx, string(r.TestType), r.DriftDetected)
			if r.DriftDetected {
				report.OverallDriftDetected = true
			}
		}
	}

	if err := d.sink.SaveResults(ctx, report); err != nil {
		// History persistence must not swallow the verdict itself.
		d.logger.Error("drift.results.save_failed",
			"tenant_id", tenantID,
			"model_id", modelID,
			"report_id", report.ReportID,
			"error", err,
		)
	}

	if report.OverallDriftDetected {
		d.logger.Warn("drift.detected",
			"tenant_id", tenantID,
			"model_id", modelID,
			"report_id", report.ReportID,
		)
		d.emitter.Emit(ctx, event.New(event.TypeDriftDetected, tenantID, modelID, map[string]any{
			"report_id": report.ReportID,
			"metrics":   driftedMetrics(report),
		}))
	}
	return report, nil
}

func (d *Detector) analyzeMetric(ctx context.Context, tenantID, modelID, metric string, cfg tenantconf.DriftConfig, refFrom, refTo, compFrom, compTo time.Time) (MetricReport, string, error) {
	ref, err := d.usage.MetricValues(ctx, tenantID, modelID, metric, refFrom, refTo)
	if err != nil {
		return MetricReport{}, "", err
	}
	comp, err := d.usage.MetricValues(ctx, tenantID, modelID, metric, compFrom, compTo)
	if err != nil {
		return MetricReport{}, "", err
	}
	if len(ref) < cfg.MinimumSamplesForTest || len(comp) < cfg.MinimumSamplesForTest {
		return MetricReport{}, fmt.Sprintf("insufficient samples: reference=%d comparison=%d minimum=%d",
			len(ref), len(comp), cfg.MinimumSamplesForTest), nil
	}

	mr := MetricReport{
		Metric:     metric,
		Reference:  d.windowStats(ctx, tenantID, modelID, metric, refFrom, refTo, ref, cfg),
		Comparison: d.windowStats(ctx, tenantID, modelID, metric, compFrom, compTo, comp, cfg),
		Results: []TestResult{
			ksTest(ref, comp, cfg.KSSampleCap, cfg.KSThreshold),
			psiTest(ref, comp, cfg.HistogramBins, cfg.PSIThreshold),
			chiSquaredTest(ref, comp, cfg.HistogramBins, cfg.ChiSquaredSignificance),
		},
	}
	return mr, "", nil
}

// analyzeEmbeddings compares window centroids by cosine distance.
func (d *Detector) analyzeEmbeddings(ctx context.Context, tenantID, modelID string, cfg tenantconf.DriftConfig, refFrom, refTo, compFrom, compTo time.Time) (MetricReport, string, error) {
	refCentroid, refCount, err := d.embeddings.WindowCentroid(ctx, tenantID, modelID, refFrom, refTo)
	if err != nil {
		return MetricReport{}, "", err
	}
	compCentroid, compCount, err := d.embeddings.WindowCentroid(ctx, tenantID, modelID, compFrom, compTo)
	if err != nil {
		return MetricReport{}, "", err
	}
	if refCount < cfg.MinimumSamplesForTest || compCount < cfg.MinimumSamplesForTest {
		return MetricReport{}, fmt.Sprintf("insufficient embeddings: reference=%d comparison=%d minimum=%d",
			refCount, compCount, cfg.MinimumSamplesForTest), nil
	}

	distance := cosineDistance(refCentroid, compCentroid)
	return MetricReport{
		Metric:     embeddingMetric,
		Reference:  DistributionStats{SampleCount: refCount},
		Comparison: DistributionStats{SampleCount: compCount},
		Results: []TestResult{{
			TestType:          TestEmbedding,
			DriftDetected:     distance > cfg.EmbeddingThreshold,
			TestStatistic:     distance,
			ThresholdUsed:     cfg.EmbeddingThreshold,
			ReferenceSamples:  refCount,
			ComparisonSamples: compCount,
			Message:           fmt.Sprintf("centroid cosine distance %.4f", distance),
		}},
	}, "", nil
}

// windowStats returns the cached summary for the window when fresh,
// otherwise computes from the values already in hand and refreshes the
// cache. Cache trouble degrades to recomputation, never to failure.
func (d *Detector) windowStats(ctx context.Context, tenantID, modelID, metric string, from, to time.Time, values []float64, cfg tenantconf.DriftConfig) DistributionStats {
	if d.cache != nil {
		stats, ok, err := d.cache.GetStats(ctx, tenantID, modelID, metric, from, to)
		if err != nil {
			d.logger.Debug("drift.stats_cache.read_failed", "metric", metric, "error", err)
		} else if ok {
			return stats
		}
	}
	stats := computeStats(values, cfg.HistogramBins)
	if d.cache != nil {
		expires := d.clock().Add(time.Duration(cfg.StatsCacheTTLSeconds) * time.Second)
		if err := d.cache.PutStats(ctx, tenantID, modelID, metric, from, to, stats, expires); err != nil {
			d.logger.Debug("drift.stats_cache.write_failed", "metric", metric, "error", err)
		}
	}
	return stats
}

func driftedMetrics(report Report) []string {
	var names []string
	for _, mr := range report.Metrics {
		for _, r := range mr.Results {
			if r.DriftDetected {
				names = append(names, mr.Metric)
				break
			}
		}
	}
	return names
}
