// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package bandit

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	arberrors "github.com/jllopis/arbiter/pkg/errors"
	"github.com/jllopis/arbiter/pkg/sampling"
	"github.com/jllopis/arbiter/pkg/tenantconf"
)

// Selector picks one model among candidates by Thompson sampling.
// It is safe for concurrent use; arm state lives in the store and the
// selector itself only guards its RNG.
type Selector struct {
	store   ArmStore
	configs tenantconf.Source
	logger  *slog.Logger
	clock   func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// Options configures a Selector.
type Options struct {
	Store   ArmStore
	Configs tenantconf.Source
	Logger  *slog.Logger
	// Rand is the RNG used for all draws. Defaults to a time-seeded source.
	Rand *rand.Rand
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// New creates a Selector.
func New(opts Options) *Selector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Selector{
		store:   opts.Store,
		configs: opts.Configs,
		logger:  logger,
		clock:   clock,
		rng:     rng,
	}
}

// Select scores every candidate and returns the highest. Candidates without
// persisted evidence are scored against the tenant's prior. Ties keep the
// first-seen candidate. The candidate list must not be empty.
func (s *Selector) Select(ctx context.Context, tenantID, domainID string, candidates []string) (Selection, error) {
	if tenantID == "" || domainID == "" {
		return Selection{}, arberrors.New(arberrors.CodeInvalidInput, "tenant_id and domain_id are required", nil)
	}
	if len(candidates) == 0 {
		return Selection{}, arberrors.New(arberrors.CodeInvalidInput, "no candidate models", nil).
			WithContext("tenant_id", tenantID).
			WithContext("domain_id", domainID)
	}

	cfg, err := s.configs.ConfigFor(ctx, tenantID)
	if err != nil {
		return Selection{}, err
	}

	requestID := uuid.NewString()

	if !cfg.Bandit.Enabled {
		choice := candidates[s.intn(len(candidates))]
		s.logger.Debug("bandit.select.disabled",
			"tenant_id", tenantID,
			"domain_id", domainID,
			"model_id", choice,
		)
		return Selection{RequestID: requestID, ModelID: choice, Tier: TierExploring, Score: 0.5}, nil
	}

	now := s.clock()
	var best Selection
	bestScore := math.Inf(-1)
	for _, modelID := range candidates {
		arm, found, err := s.store.GetArm(ctx, tenantID, domainID, modelID)
		if err != nil {
			return Selection{}, err
		}
		if !found {
			arm = ArmState{
				TenantID: tenantID,
				DomainID: domainID,
				ModelID:  modelID,
				Alpha:    cfg.Bandit.PriorAlpha,
				Beta:     cfg.Bandit.PriorBeta,
			}
		}
		score, tier := s.score(arm, cfg.Bandit, now)
		s.logger.Debug("bandit.select.scored",
			"tenant_id", tenantID,
			"domain_id", domainID,
			"model_id", modelID,
			"score", score,
			"tier", string(tier),
			"observations", arm.TotalObservations,
		)
		if score > bestScore {
			bestScore = score
			best = Selection{RequestID: requestID, ModelID: modelID, Tier: tier, Score: score}
		}
	}

	s.logger.Debug("bandit.select.chosen",
		"tenant_id", tenantID,
		"domain_id", domainID,
		"model_id", best.ModelID,
		"tier", string(best.Tier),
		"request_id", requestID,
	)
	return best, nil
}

// Arms lists the persisted evidence for every arm in the domain.
func (s *Selector) Arms(ctx context.Context, tenantID, domainID string) ([]ArmState, error) {
	return s.store.ListArms(ctx, tenantID, domainID)
}

// score draws one Thompson sample for the arm and applies decay, shrinkage,
// and the tier exploration bonus per the tenant configuration.
func (s *Selector) score(arm ArmState, cfg tenantconf.BanditConfig, now time.Time) (float64, ConfidenceTier) {
	alpha, beta := arm.Alpha, arm.Beta

	// Decay discounts only the evidence in excess of the uninformative
	// prior, so an idle arm drifts back toward Beta(1,1) at read time.
	if cfg.DecayEnabled && cfg.DecayHalfLifeDays > 0 && !arm.LastObservationAt.IsZero() {
		elapsedDays := now.Sub(arm.LastObservationAt).Hours() / 24
		if elapsedDays > 0 {
			factor := math.Pow(0.5, elapsedDays/cfg.DecayHalfLifeDays)
			alpha = 1 + (alpha-1)*factor
			beta = 1 + (beta-1)*factor
		}
	}

	sample := s.beta(alpha, beta)

	if cfg.ShrinkageEnabled && cfg.ShrinkagePriorStrength > 0 {
		weight := cfg.ShrinkagePriorStrength / (cfg.ShrinkagePriorStrength + float64(arm.TotalObservations))
		sample = weight*cfg.ShrinkagePriorMean + (1-weight)*sample
	}

	tier := tierFor(arm.TotalObservations, cfg)
	switch tier {
	case TierExploring:
		sample += cfg.ExploringBonus
	case TierLearning:
		sample += cfg.LearningBonus
	case TierConfident:
		sample += cfg.ConfidentBonus
	}
	return sample, tier
}

func tierFor(total int64, cfg tenantconf.BanditConfig) ConfidenceTier {
	switch {
	case total < cfg.ExploringBelow:
		return TierExploring
	case total < cfg.LearningBelow:
		return TierLearning
	case total < cfg.ConfidentBelow:
		return TierConfident
	default:
		return TierEstablished
	}
}

func (s *Selector) beta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sampling.Beta(s.rng, alpha, beta)
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
