// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"fmt"
	"math"
	"sort"
)

// ksTest runs the two-sample Kolmogorov-Smirnov test. Each sample is capped
// at sampleCap values by stride subsampling before sorting. Drift is flagged
// when the statistic exceeds the threshold or the asymptotic p-value drops
// below 0.05.
func ksTest(reference, comparison []float64, sampleCap int, threshold float64) TestResult {
	ref := subsample(reference, sampleCap)
	comp := subsample(comparison, sampleCap)

	sortedRef := make([]float64, len(ref))
	copy(sortedRef, ref)
	sort.Float64s(sortedRef)
	sortedComp := make([]float64, len(comp))
	copy(sortedComp, comp)
	sort.Float64s(sortedComp)

	d := ksStatistic(sortedRef, sortedComp)
	p := ksPValue(d, len(sortedRef), len(sortedComp))

	detected := d > threshold || p < 0.05
	return TestResult{
		TestType:          TestKS,
		DriftDetected:     detected,
		TestStatistic:     d,
		PValue:            floatPtr(p),
		ThresholdUsed:     threshold,
		ReferenceSamples:  len(sortedRef),
		ComparisonSamples: len(sortedComp),
		Message:           fmt.Sprintf("KS statistic %.4f (p=%.4f)", d, p),
	}
}

// subsample returns at most cap values, taken at a fixed stride so the
// retained values stay spread across the original ordering.
func subsample(values []float64, cap int) []float64 {
	if cap <= 0 || len(values) <= cap {
		return values
	}
	stride := (len(values) + cap - 1) / cap
	out := make([]float64, 0, cap)
	for i := 0; i < len(values); i += stride {
		out = append(out, values[i])
	}
	return out
}

// ksStatistic walks both sorted samples and returns the maximum absolute
// difference between their empirical CDFs, evaluated at every distinct
// value of the merged samples.
func ksStatistic(sortedRef, sortedComp []float64) float64 {
	n1, n2 := len(sortedRef), len(sortedComp)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	var d float64
	i, j := 0, 0
	for i < n1 && j < n2 {
		v := math.Min(sortedRef[i], sortedComp[j])
		for i < n1 && sortedRef[i] <= v {
			i++
		}
		for j < n2 && sortedComp[j] <= v {
			j++
		}
		diff := math.Abs(float64(i)/float64(n1) - float64(j)/float64(n2))
		if diff > d {
			d = diff
		}
	}
	return d
}

// ksPValue approximates the two-sided p-value with the asymptotic
// Kolmogorov distribution. Identical samples (D=0) yield p=1 exactly.
func ksPValue(d float64, n1, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 1
	}
	en := math.Sqrt(float64(n1) * float64(n2) / float64(n1+n2))
	lambda := (en + 0.12 + 0.11/en) * d
	if lambda <= 0 {
		return 1
	}
	var sum float64
	sign := 1.0
	for k := 1; k <= 100; k++ {
		kf := float64(k)
		sum += sign * math.Exp(-2*kf*kf*lambda*lambda)
		sign = -sign
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
