// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenantconf holds the per-tenant tuning knobs for selection,
// breaking, and drift detection. Tenants without a stored row run on the
// documented defaults; a stored row overrides only the fields it names.
package tenantconf

// Config enumerates every per-tenant behavior toggle and threshold.
// Values are loaded once per call and never mutated in place.
type Config struct {
	Bandit  BanditConfig  `json:"bandit" yaml:"bandit"`
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
	Drift   DriftConfig   `json:"drift" yaml:"drift"`
}

// BanditConfig tunes Thompson sampling for one tenant.
type BanditConfig struct {
	// Enabled turns Thompson sampling off entirely. When false, selection
	// falls back to a uniform random choice among the candidates.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PriorAlpha and PriorBeta shape the uninformative prior used to score
	// arms that have no persisted evidence yet. Both must be >= 1.
	PriorAlpha float64 `json:"prior_alpha" yaml:"prior_alpha"`
	PriorBeta  float64 `json:"prior_beta" yaml:"prior_beta"`

	// ShrinkageEnabled blends low-volume arms toward ShrinkagePriorMean
	// with weight ShrinkagePriorStrength/(ShrinkagePriorStrength+observations).
	ShrinkageEnabled       bool    `json:"shrinkage_enabled" yaml:"shrinkage_enabled"`
	ShrinkagePriorMean     float64 `json:"shrinkage_prior_mean" yaml:"shrinkage_prior_mean"`
	ShrinkagePriorStrength float64 `json:"shrinkage_prior_strength" yaml:"shrinkage_prior_strength"`

	// DecayEnabled discounts stale evidence with a half-life, pulling idle
	// arms back toward the prior without rewriting stored counts.
	DecayEnabled      bool    `json:"decay_enabled" yaml:"decay_enabled"`
	DecayHalfLifeDays float64 `json:"decay_half_life_days" yaml:"decay_half_life_days"`

	// Observation counts below these bounds classify an arm as exploring,
	// learning, or confident; at or above ConfidentBelow the arm is
	// established. Bounds must be strictly increasing.
	ExploringBelow int64 `json:"exploring_below" yaml:"exploring_below"`
	LearningBelow  int64 `json:"learning_below" yaml:"learning_below"`
	ConfidentBelow int64 `json:"confident_below" yaml:"confident_below"`

	// Additive exploration bonuses per confidence tier. Established arms
	// never receive a bonus.
	ExploringBonus float64 `json:"exploring_bonus" yaml:"exploring_bonus"`
	LearningBonus  float64 `json:"learning_bonus" yaml:"learning_bonus"`
	ConfidentBonus float64 `json:"confident_bonus" yaml:"confident_bonus"`

	// Bootstrap shape parameters written when the first observation creates
	// an arm row. Tunable defaults, inherited from calibration: Beta(2,1)
	// after a success, Beta(1,2) after a failure.
	BootstrapSuccessAlpha float64 `json:"bootstrap_success_alpha" yaml:"bootstrap_success_alpha"`
	BootstrapSuccessBeta  float64 `json:"bootstrap_success_beta" yaml:"bootstrap_success_beta"`
	BootstrapFailureAlpha float64 `json:"bootstrap_failure_alpha" yaml:"bootstrap_failure_alpha"`
	BootstrapFailureBeta  float64 `json:"bootstrap_failure_beta" yaml:"bootstrap_failure_beta"`
}

// BreakerConfig tunes the circuit breaker for one tenant.
type BreakerConfig struct {
	// FailureThreshold is the cumulative failure count that trips a closed
	// breaker open.
	FailureThreshold int64 `json:"failure_threshold" yaml:"failure_threshold"`

	// ResetTimeoutSeconds is how long an open breaker blocks traffic before
	// the next availability check moves it to half_open.
	ResetTimeoutSeconds int64 `json:"reset_timeout_seconds" yaml:"reset_timeout_seconds"`

	// HalfOpenMaxCalls caps recorded successes while half_open; once the
	// budget is spent further probes are denied until promotion.
	HalfOpenMaxCalls int64 `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DriftConfig tunes drift detection for one tenant.
type DriftConfig struct {
	// KSThreshold flags drift when the Kolmogorov-Smirnov statistic
	// exceeds it (the test also fires on p < 0.05).
	KSThreshold float64 `json:"ks_threshold" yaml:"ks_threshold"`

	// PSIThreshold flags drift when the population stability index
	// exceeds it.
	PSIThreshold float64 `json:"psi_threshold" yaml:"psi_threshold"`

	// ChiSquaredSignificance is the p-value bound for the chi-squared test.
	ChiSquaredSignificance float64 `json:"chi_squared_significance" yaml:"chi_squared_significance"`

	// EmbeddingThreshold is the cosine-distance bound for the
	// embedding-distance test when an embedding source is configured.
	EmbeddingThreshold float64 `json:"embedding_threshold" yaml:"embedding_threshold"`

	// ReferenceWindowDays and ComparisonWindowDays size the two windows:
	// the reference window ends where the comparison window begins.
	ReferenceWindowDays  int `json:"reference_window_days" yaml:"reference_window_days"`
	ComparisonWindowDays int `json:"comparison_window_days" yaml:"comparison_window_days"`

	// MinimumSamplesForTest skips a metric when either window holds fewer
	// raw observations.
	MinimumSamplesForTest int `json:"minimum_samples_for_test" yaml:"minimum_samples_for_test"`

	// HistogramBins is the bin count for PSI and chi-squared histograms.
	HistogramBins int `json:"histogram_bins" yaml:"histogram_bins"`

	// KSSampleCap bounds how many raw samples per window feed the KS test.
	KSSampleCap int `json:"ks_sample_cap" yaml:"ks_sample_cap"`

	// StatsCacheTTLSeconds is how long cached window statistics stay fresh.
	StatsCacheTTLSeconds int64 `json:"stats_cache_ttl_seconds" yaml:"stats_cache_ttl_seconds"`
}

// Default returns the documented defaults applied when a tenant has no
// stored configuration row.
func Default() Config {
	return Config{
		Bandit: BanditConfig{
			Enabled:                true,
			PriorAlpha:             1,
			PriorBeta:              1,
			ShrinkageEnabled:       true,
			ShrinkagePriorMean:     0.7,
			ShrinkagePriorStrength: 10,
			DecayEnabled:           true,
			DecayHalfLifeDays:      30,
			ExploringBelow:         10,
			LearningBelow:          50,
			ConfidentBelow:         200,
			ExploringBonus:         0.10,
			LearningBonus:          0.05,
			ConfidentBonus:         0.02,
			BootstrapSuccessAlpha:  2,
			BootstrapSuccessBeta:   1,
			BootstrapFailureAlpha:  1,
			BootstrapFailureBeta:   2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutSeconds: 30,
			HalfOpenMaxCalls:    3,
		},
		Drift: DriftConfig{
			KSThreshold:            0.15,
			PSIThreshold:           0.25,
			ChiSquaredSignificance: 0.05,
			EmbeddingThreshold:     0.20,
			ReferenceWindowDays:    30,
			ComparisonWindowDays:   7,
			MinimumSamplesForTest:  100,
			HistogramBins:          10,
			KSSampleCap:            1000,
			StatsCacheTTLSeconds:   300,
		},
	}
}
