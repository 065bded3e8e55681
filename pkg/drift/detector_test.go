// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/event"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

// detectNow is the fixed clock for detector tests. Windows truncate to the
// hour, so the comparison window ends at 12:00.
var detectNow = time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)

type stubUsage struct {
	compTo     time.Time
	ref        map[string][]float64
	comp       map[string][]float64
	pairs      []Pair
	failMetric string
}

func (s *stubUsage) MetricValues(_ context.Context, _, _, metric string, _, to time.Time) ([]float64, error) {
	if s.failMetric != "" && metric == s.failMetric {
		return nil, errors.New("usage query failed")
	}
	if !s.compTo.IsZero() && to.Equal(s.compTo) {
		return s.comp[metric], nil
	}
	return s.ref[metric], nil
}

func (s *stubUsage) ActivePairs(context.Context, time.Time) ([]Pair, error) {
	return s.pairs, nil
}

type captureSink struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (c *captureSink) SaveResults(_ context.Context, report Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	return c.err
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func (c *captureSink) first() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reports[0]
}

type captureEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureEmitter) Emit(_ context.Context, e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type stubCache struct {
	entries map[string]DistributionStats
	puts    int
	getErr  error
	putErr  error
}

func cacheKey(metric string, from, to time.Time) string {
	return metric + "|" + from.Format(time.RFC3339) + "|" + to.Format(time.RFC3339)
}

func (c *stubCache) GetStats(_ context.Context, _, _, metric string, from, to time.Time) (DistributionStats, bool, error) {
	if c.getErr != nil {
		return DistributionStats{}, false, c.getErr
	}
	stats, ok := c.entries[cacheKey(metric, from, to)]
	return stats, ok, nil
}

func (c *stubCache) PutStats(_ context.Context, _, _, metric string, from, to time.Time, stats DistributionStats, _ time.Time) error {
	if c.putErr != nil {
		return c.putErr
	}
	if c.entries == nil {
		c.entries = make(map[string]DistributionStats)
	}
	c.entries[cacheKey(metric, from, to)] = stats
	c.puts++
	return nil
}

type stubEmbeddings struct {
	compTo       time.Time
	refCentroid  []float32
	compCentroid []float32
	refCount     int
	compCount    int
}

func (s *stubEmbeddings) WindowCentroid(_ context.Context, _, _ string, _, to time.Time) ([]float32, int, error) {
	if to.Equal(s.compTo) {
		return s.compCentroid, s.compCount, nil
	}
	return s.refCentroid, s.refCount, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func driftTestConfigs() tenantconf.Source {
	cfg := tenantconf.Default()
	cfg.Drift.MinimumSamplesForTest = 10
	return tenantconf.Static{Configs: map[string]tenantconf.Config{"t1": cfg}}
}

func newTestDetector(usage UsageSource, sink ResultSink, cache StatsCache, embeddings EmbeddingSource, emitter event.Emitter) *Detector {
	return NewDetector(DetectorOptions{
		Usage:      usage,
		Sink:       sink,
		Cache:      cache,
		Embeddings: embeddings,
		Configs:    driftTestConfigs(),
		Emitter:    emitter,
		Logger:     discardLogger(),
		Clock:      func() time.Time { return detectNow },
	})
}

func stableUsage(metric string) *stubUsage {
	return &stubUsage{
		compTo: detectNow.Truncate(time.Hour),
		ref:    map[string][]float64{metric: uniformValues(200, 0)},
		comp:   map[string][]float64{metric: uniformValues(200, 0)},
	}
}

func TestDetectDriftValidation(t *testing.T) {
	ctx := context.Background()
	d := newTestDetector(&stubUsage{}, &captureSink{}, nil, nil, nil)

	cases := []struct {
		name     string
		tenantID string
		modelID  string
		metrics  []string
	}{
		{"missing tenant", "", "m1", []string{"latency_ms"}},
		{"missing model", "t1", "", []string{"latency_ms"}},
		{"no metrics", "t1", "m1", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.DetectDrift(ctx, tc.tenantID, tc.modelID, tc.metrics)
			ae := arberrors.AsArbiterError(err)
			if ae == nil || ae.Code != arberrors.CodeInvalidInput {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestDetectDriftStableWindows(t *testing.T) {
	ctx := context.Background()
	usage := stableUsage("latency_ms")
	sink := &captureSink{}
	emitter := &captureEmitter{}
	d := newTestDetector(usage, sink, nil, nil, emitter)

	report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if report.ReportID == "" || report.TenantID != "t1" || report.ModelID != "m1" {
		t.Errorf("report identity wrong: %+v", report)
	}
	if !report.GeneratedAt.Equal(detectNow) {
		t.Errorf("generated at = %v, want %v", report.GeneratedAt, detectNow)
	}
	if len(report.Metrics) != 1 || len(report.Skipped) != 0 {
		t.Fatalf("expected one analyzed metric, got %+v", report)
	}
	mr := report.Metrics[0]
	if mr.Metric != "latency_ms" {
		t.Errorf("metric = %q", mr.Metric)
	}
	if mr.Reference.SampleCount != 200 || mr.Comparison.SampleCount != 200 {
		t.Errorf("window sizes = %d/%d, want 200/200",
			mr.Reference.SampleCount, mr.Comparison.SampleCount)
	}
	wantTests := []TestType{TestKS, TestPSI, TestChiSq}
	if len(mr.Results) != len(wantTests) {
		t.Fatalf("expected %d results, got %d", len(wantTests), len(mr.Results))
	}
	for i, r := range mr.Results {
		if r.TestType != wantTests[i] {
			t.Errorf("result %d type = %s, want %s", i, r.TestType, wantTests[i])
		}
		if r.DriftDetected {
			t.Errorf("%s flagged identical windows: %+v", r.TestType, r)
		}
	}
	if report.OverallDriftDetected {
		t.Errorf("overall drift on identical windows")
	}
	if sink.count() != 1 || sink.first().ReportID != report.ReportID {
		t.Errorf("expected the report persisted once")
	}
	if len(emitter.events) != 0 {
		t.Errorf("expected no events, got %v", emitter.events)
	}
}

func TestDetectDriftFlagsShiftedWindow(t *testing.T) {
	ctx := context.Background()
	usage := &stubUsage{
		compTo: detectNow.Truncate(time.Hour),
		ref:    map[string][]float64{"latency_ms": uniformValues(200, 0)},
		comp:   map[string][]float64{"latency_ms": uniformValues(200, 500)},
	}
	sink := &captureSink{}
	emitter := &captureEmitter{}
	d := newTestDetector(usage, sink, nil, nil, emitter)

	report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !report.OverallDriftDetected {
		t.Fatalf("expected drift on disjoint windows: %+v", report)
	}
	detected := map[TestType]bool{}
	for _, r := range report.Metrics[0].Results {
		detected[r.TestType] = r.DriftDetected
	}
	if !detected[TestKS] || !detected[TestPSI] {
		t.Errorf("expected KS and PSI to fire, got %v", detected)
	}

	if len(emitter.events) != 1 {
		t.Fatalf("expected one drift event, got %d", len(emitter.events))
	}
	e := emitter.events[0]
	if e.Type != event.TypeDriftDetected || e.TenantID != "t1" || e.ModelID != "m1" {
		t.Errorf("event = %+v", e)
	}
	if e.Payload["report_id"] != report.ReportID {
		t.Errorf("event report_id = %v, want %s", e.Payload["report_id"], report.ReportID)
	}
	names, ok := e.Payload["metrics"].([]string)
	if !ok || len(names) != 1 || names[0] != "latency_ms" {
		t.Errorf("event metrics = %v", e.Payload["metrics"])
	}
}

func TestDetectDriftInsufficientSamples(t *testing.T) {
	ctx := context.Background()
	usage := &stubUsage{
		compTo: detectNow.Truncate(time.Hour),
		ref:    map[string][]float64{"latency_ms": uniformValues(5, 0)},
		comp:   map[string][]float64{"latency_ms": uniformValues(200, 0)},
	}
	sink := &captureSink{}
	d := newTestDetector(usage, sink, nil, nil, nil)

	report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(report.Metrics) != 0 {
		t.Errorf("expected no analyzed metrics, got %+v", report.Metrics)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("expected one skipped metric, got %+v", report.Skipped)
	}
	skipped := report.Skipped[0]
	if skipped.Metric != "latency_ms" {
		t.Errorf("skipped metric = %q", skipped.Metric)
	}
	want := "insufficient samples: reference=5 comparison=200 minimum=10"
	if skipped.Reason != want {
		t.Errorf("reason = %q, want %q", skipped.Reason, want)
	}
	if report.OverallDriftDetected {
		t.Errorf("skipped metric must not flag drift")
	}
	if sink.count() != 1 {
		t.Errorf("skip reports are persisted too, got %d saves", sink.count())
	}
}

func TestDetectDriftUsageErrorSkipsMetric(t *testing.T) {
	ctx := context.Background()
	usage := stableUsage("latency_ms")
	usage.failMetric = "tokens"
	sink := &captureSink{}
	d := newTestDetector(usage, sink, nil, nil, nil)

	report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms", "tokens"})
	if err != nil {
		t.Fatalf("one bad metric must not abort the run: %v", err)
	}
	if len(report.Metrics) != 1 || report.Metrics[0].Metric != "latency_ms" {
		t.Errorf("expected latency_ms analyzed, got %+v", report.Metrics)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Metric != "tokens" ||
		report.Skipped[0].Reason != "computation failed" {
		t.Errorf("expected tokens skipped as failed, got %+v", report.Skipped)
	}
}

func TestDetectDriftSinkFailureKeepsVerdict(t *testing.T) {
	ctx := context.Background()
	usage := stableUsage("latency_ms")
	sink := &captureSink{err: errors.New("disk full")}
	d := newTestDetector(usage, sink, nil, nil, nil)

	report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
	if err != nil {
		t.Fatalf("sink failure must not fail detection: %v", err)
	}
	if len(report.Metrics) != 1 {
		t.Errorf("expected the computed report back, got %+v", report)
	}
}

func TestDetectDriftEmbeddingDistance(t *testing.T) {
	ctx := context.Background()
	compTo := detectNow.Truncate(time.Hour)

	t.Run("rotated centroid fires", func(t *testing.T) {
		usage := stableUsage("latency_ms")
		emb := &stubEmbeddings{
			compTo:      compTo,
			refCentroid: []float32{1, 0}, compCentroid: []float32{0, 1},
			refCount: 50, compCount: 50,
		}
		emitter := &captureEmitter{}
		d := newTestDetector(usage, &captureSink{}, nil, emb, emitter)

		report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(report.Metrics) != 2 {
			t.Fatalf("expected latency and embeddings reports, got %+v", report.Metrics)
		}
		er := report.Metrics[1]
		if er.Metric != "embeddings" || len(er.Results) != 1 {
			t.Fatalf("embedding report = %+v", er)
		}
		r := er.Results[0]
		if r.TestType != TestEmbedding || !r.DriftDetected {
			t.Errorf("expected embedding drift, got %+v", r)
		}
		if !almostEqual(r.TestStatistic, 1, 1e-6) {
			t.Errorf("distance = %v, want 1", r.TestStatistic)
		}
		if er.Reference.SampleCount != 50 || er.Comparison.SampleCount != 50 {
			t.Errorf("embedding counts = %d/%d, want 50/50",
				er.Reference.SampleCount, er.Comparison.SampleCount)
		}
		if !report.OverallDriftDetected {
			t.Errorf("embedding drift must set the overall verdict")
		}
		if len(emitter.events) != 1 {
			t.Fatalf("expected one event, got %d", len(emitter.events))
		}
		names, _ := emitter.events[0].Payload["metrics"].([]string)
		if len(names) != 1 || names[0] != "embeddings" {
			t.Errorf("event metrics = %v", names)
		}
	})

	t.Run("stable centroid stays quiet", func(t *testing.T) {
		usage := stableUsage("latency_ms")
		emb := &stubEmbeddings{
			compTo:      compTo,
			refCentroid: []float32{1, 2, 3}, compCentroid: []float32{1, 2, 3},
			refCount: 50, compCount: 50,
		}
		d := newTestDetector(usage, &captureSink{}, nil, emb, nil)

		report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if report.OverallDriftDetected {
			t.Errorf("identical centroids flagged: %+v", report)
		}
	})

	t.Run("too few points skips", func(t *testing.T) {
		usage := stableUsage("latency_ms")
		emb := &stubEmbeddings{
			compTo:      compTo,
			refCentroid: []float32{1, 0}, compCentroid: []float32{0, 1},
			refCount: 5, compCount: 5,
		}
		d := newTestDetector(usage, &captureSink{}, nil, emb, nil)

		report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(report.Skipped) != 1 || report.Skipped[0].Metric != "embeddings" {
			t.Fatalf("expected embeddings skipped, got %+v", report.Skipped)
		}
		want := "insufficient embeddings: reference=5 comparison=5 minimum=10"
		if report.Skipped[0].Reason != want {
			t.Errorf("reason = %q, want %q", report.Skipped[0].Reason, want)
		}
	})
}

func TestDetectDriftStatsCache(t *testing.T) {
	ctx := context.Background()
	compTo := detectNow.Truncate(time.Hour)
	compFrom := compTo.AddDate(0, 0, -7)
	refFrom := compFrom.AddDate(0, 0, -30)

	t.Run("hit serves cached window", func(t *testing.T) {
		usage := stableUsage("latency_ms")
		cache := &stubCache{entries: map[string]DistributionStats{
			cacheKey("latency_ms", refFrom, compFrom): {SampleCount: 200, Mean: 999},
		}}
		d := newTestDetector(usage, &captureSink{}, cache, nil, nil)

		report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		mr := report.Metrics[0]
		if mr.Reference.Mean != 999 {
			t.Errorf("reference mean = %v, want cached 999", mr.Reference.Mean)
		}
		if mr.Comparison.Mean != 99.5 {
			t.Errorf("comparison mean = %v, want computed 99.5", mr.Comparison.Mean)
		}
		if cache.puts != 1 {
			t.Errorf("expected only the comparison window written, got %d puts", cache.puts)
		}
		if _, ok := cache.entries[cacheKey("latency_ms", compFrom, compTo)]; !ok {
			t.Errorf("comparison window missing from cache")
		}
	})

	t.Run("errors degrade to recomputation", func(t *testing.T) {
		usage := stableUsage("latency_ms")
		cache := &stubCache{getErr: errors.New("cache read broken"), putErr: errors.New("cache write broken")}
		d := newTestDetector(usage, &captureSink{}, cache, nil, nil)

		report, err := d.DetectDrift(ctx, "t1", "m1", []string{"latency_ms"})
		if err != nil {
			t.Fatalf("cache trouble must not fail detection: %v", err)
		}
		if report.Metrics[0].Reference.Mean != 99.5 {
			t.Errorf("reference mean = %v, want computed 99.5", report.Metrics[0].Reference.Mean)
		}
	})
}
