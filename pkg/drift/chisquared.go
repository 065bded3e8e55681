// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"fmt"
	"math"
)

// chiSquaredTest compares binned frequencies between the windows. Expected
// counts are the reference bin proportions scaled to the comparison total;
// bins with expected <= 0 are skipped and do not contribute degrees of
// freedom. The p-value uses the Wilson-Hilferty normal approximation.
func chiSquaredTest(reference, comparison []float64, binCount int, significance float64) TestResult {
	lo, hi := combinedRange(reference, comparison)
	refCounts := binCounts(reference, lo, hi, binCount)
	compCounts := binCounts(comparison, lo, hi, binCount)

	refTotal := float64(len(reference))
	compTotal := float64(len(comparison))

	var chiSq float64
	usableBins := 0
	for i := range refCounts {
		expected := float64(refCounts[i]) / refTotal * compTotal
		if expected <= 0 {
			continue
		}
		observed := float64(compCounts[i])
		diff := observed - expected
		chiSq += diff * diff / expected
		usableBins++
	}

	result := TestResult{
		TestType:          TestChiSq,
		TestStatistic:     chiSq,
		ThresholdUsed:     significance,
		ReferenceSamples:  len(reference),
		ComparisonSamples: len(comparison),
	}

	df := usableBins - 1
	if df < 1 {
		result.PValue = floatPtr(1)
		result.Message = "chi-squared skipped: fewer than two usable bins"
		return result
	}

	p := chiSquaredPValue(chiSq, df)
	result.PValue = floatPtr(p)
	result.DriftDetected = p < significance
	result.Message = fmt.Sprintf("chi-squared %.4f with %d df (p=%.4f)", chiSq, df, p)
	return result
}

// chiSquaredPValue approximates P(X >= chiSq) for X ~ chi-squared(df) via
// the Wilson-Hilferty cube-root transform to a standard normal.
func chiSquaredPValue(chiSq float64, df int) float64 {
	if chiSq <= 0 {
		return 1
	}
	t := 2.0 / (9.0 * float64(df))
	z := (math.Cbrt(chiSq/float64(df)) - (1 - t)) / math.Sqrt(t)
	p := 1 - normalCDF(z)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}
