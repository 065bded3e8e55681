// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package drift detects distribution shift in recorded usage metrics by
// comparing a recent comparison window against an older reference window
// with KS, PSI, chi-squared, and optional embedding-distance tests.
package drift

import (
	"context"
	"time"
)

// TestType names one statistical test.
type TestType string

const (
	TestKS        TestType = "ks_test"
	TestPSI       TestType = "psi"
	TestChiSq     TestType = "chi_squared"
	TestEmbedding TestType = "embedding_distance"
)

// Bin is one histogram bucket. Bins partition [min, max] of the samples
// that produced them and their counts sum to the sample count.
type Bin struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Count int     `json:"count"`
}

// DistributionStats summarizes one metric over one time window.
type DistributionStats struct {
	SampleCount int     `json:"sample_count"`
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	StdDev      float64 `json:"std_dev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P5          float64 `json:"p5"`
	P25         float64 `json:"p25"`
	P50         float64 `json:"p50"`
	P75         float64 `json:"p75"`
	P95         float64 `json:"p95"`
	Bins        []Bin   `json:"bins,omitempty"`
}

// TestResult is one test's verdict for one metric. Immutable once computed.
type TestResult struct {
	TestType          TestType `json:"test_type"`
	DriftDetected     bool     `json:"drift_detected"`
	TestStatistic     float64  `json:"test_statistic"`
	PValue            *float64 `json:"p_value,omitempty"`
	ThresholdUsed     float64  `json:"threshold_used"`
	ReferenceSamples  int      `json:"reference_samples"`
	ComparisonSamples int      `json:"comparison_samples"`
	Message           string   `json:"message,omitempty"`
}

// MetricReport carries every test outcome for one metric.
type MetricReport struct {
	Metric     string            `json:"metric"`
	Reference  DistributionStats `json:"reference"`
	Comparison DistributionStats `json:"comparison"`
	Results    []TestResult      `json:"results"`
}

// SkippedMetric records a metric that produced no test results and why.
type SkippedMetric struct {
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

// Report is the outcome of one detectDrift call.
type Report struct {
	ReportID             string          `json:"report_id"`
	TenantID             string          `json:"tenant_id"`
	ModelID              string          `json:"model_id"`
	GeneratedAt          time.Time       `json:"generated_at"`
	Metrics              []MetricReport  `json:"metrics"`
	Skipped              []SkippedMetric `json:"skipped,omitempty"`
	OverallDriftDetected bool            `json:"overall_drift_detected"`
}

// Pair identifies one (tenant, model) stream with recent usage.
type Pair struct {
	TenantID string `json:"tenant_id"`
	ModelID  string `json:"model_id"`
}

// UsageSource reads raw usage-log values. This is a disjoint read path from
// the bandit and breaker tables; drift never touches live decision state.
type UsageSource interface {
	MetricValues(ctx context.Context, tenantID, modelID, metric string, from, to time.Time) ([]float64, error)
	// ActivePairs lists (tenant, model) pairs with usage since the cutoff.
	ActivePairs(ctx context.Context, since time.Time) ([]Pair, error)
}

// ResultSink persists computed test results for history and deduplication.
type ResultSink interface {
	SaveResults(ctx context.Context, report Report) error
}

// StatsCache holds window statistics between scheduled runs so unchanged
// windows are not recomputed from raw rows.
type StatsCache interface {
	GetStats(ctx context.Context, tenantID, modelID, metric string, from, to time.Time) (DistributionStats, bool, error)
	PutStats(ctx context.Context, tenantID, modelID, metric string, from, to time.Time, stats DistributionStats, expiresAt time.Time) error
}

// EmbeddingSource exposes window centroids of request embeddings. Optional;
// when absent the embedding-distance test is not run.
type EmbeddingSource interface {
	// WindowCentroid returns the mean embedding vector and the number of
	// points that produced it for the window.
	WindowCentroid(ctx context.Context, tenantID, modelID string, from, to time.Time) ([]float32, int, error)
}
