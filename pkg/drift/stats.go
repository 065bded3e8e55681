// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"math"
	"sort"
)

// computeStats summarizes one window of raw values. The histogram partitions
// [min, max] into binCount equal-width buckets whose counts sum to the
// sample count.
func computeStats(values []float64, binCount int) DistributionStats {
	n := len(values)
	if n == 0 {
		return DistributionStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, v := range sorted {
		d := v - mean
		sqDiff += d * d
	}
	stdDev := math.Sqrt(sqDiff / float64(n))

	stats := DistributionStats{
		SampleCount: n,
		Mean:        mean,
		Median:      percentile(sorted, 50),
		StdDev:      stdDev,
		Min:         sorted[0],
		Max:         sorted[n-1],
		P5:          percentile(sorted, 5),
		P25:         percentile(sorted, 25),
		P50:         percentile(sorted, 50),
		P75:         percentile(sorted, 75),
		P95:         percentile(sorted, 95),
	}
	stats.Bins = histogram(sorted, sorted[0], sorted[n-1], binCount)
	return stats
}

// percentile interpolates linearly between the two nearest order statistics.
// The input must be sorted ascending and non-empty.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// histogram buckets values into binCount equal-width bins over [lo, hi].
// Values outside the range clamp into the edge bins; a degenerate range
// collapses to a single bin holding everything.
func histogram(values []float64, lo, hi float64, binCount int) []Bin {
	if binCount < 1 {
		binCount = 1
	}
	if hi <= lo {
		return []Bin{{Start: lo, End: hi, Count: len(values)}}
	}
	width := (hi - lo) / float64(binCount)
	bins := make([]Bin, binCount)
	for i := range bins {
		bins[i].Start = lo + float64(i)*width
		bins[i].End = lo + float64(i+1)*width
	}
	bins[binCount-1].End = hi
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= binCount {
			idx = binCount - 1
		}
		bins[idx].Count++
	}
	return bins
}

// binCounts is the histogram reduced to per-bin counts, used by the binned
// tests that share one combined range across both windows.
func binCounts(values []float64, lo, hi float64, binCount int) []int {
	bins := histogram(values, lo, hi, binCount)
	counts := make([]int, len(bins))
	for i, b := range bins {
		counts[i] = b.Count
	}
	return counts
}

// combinedRange returns the min and max over both sample sets.
func combinedRange(a, b []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range a {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	for _, v := range b {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func floatPtr(v float64) *float64 {
	return &v
}
