// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"fmt"
	"math"
)

// psiFloor keeps bin percentages away from zero so the log term stays finite.
const psiFloor = 0.0001

// psiTest computes the population stability index over matching equal-width
// histograms spanning the combined range of both windows. The severity bands
// (<0.1 none, 0.1-0.25 moderate, >0.25 significant) only shape the message;
// the verdict compares against the tenant threshold.
func psiTest(reference, comparison []float64, binCount int, threshold float64) TestResult {
	lo, hi := combinedRange(reference, comparison)
	refCounts := binCounts(reference, lo, hi, binCount)
	compCounts := binCounts(comparison, lo, hi, binCount)

	refTotal := float64(len(reference))
	compTotal := float64(len(comparison))

	var psi float64
	for i := range refCounts {
		refPct := math.Max(float64(refCounts[i])/refTotal, psiFloor)
		compPct := math.Max(float64(compCounts[i])/compTotal, psiFloor)
		psi += (compPct - refPct) * math.Log(compPct/refPct)
	}

	var severity string
	switch {
	case psi < 0.1:
		severity = "no significant shift"
	case psi <= 0.25:
		severity = "moderate shift"
	default:
		severity = "significant shift"
	}

	return TestResult{
		TestType:          TestPSI,
		DriftDetected:     psi > threshold,
		TestStatistic:     psi,
		ThresholdUsed:     threshold,
		ReferenceSamples:  len(reference),
		ComparisonSamples: len(comparison),
		Message:           fmt.Sprintf("PSI %.4f: %s", psi, severity),
	}
}
