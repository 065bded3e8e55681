// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampling draws the random variates the bandit needs. All
// functions are pure draws over a caller-owned *rand.Rand so tests can
// seed deterministically and concurrent callers can shard generators.
package sampling

import (
	"math"
	"math/rand"
)

// minShape guards against zero or negative shape parameters coming from
// corrupt state rows. Sampling must always return a valid draw.
const minShape = 1e-9

// Beta draws from Beta(alpha, beta) as Ga/(Ga+Gb) with Ga ~ Gamma(alpha, 1)
// and Gb ~ Gamma(beta, 1).
func Beta(rng *rand.Rand, alpha, beta float64) float64 {
	ga := Gamma(rng, alpha, 1)
	gb := Gamma(rng, beta, 1)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// Gamma draws from Gamma(shape, scale). Shapes below one use the boost
// identity Gamma(shape) = Gamma(1+shape) * U^(1/shape); shapes of one and
// above use the Marsaglia-Tsang squeeze. Loops until acceptance.
func Gamma(rng *rand.Rand, shape, scale float64) float64 {
	if shape < minShape {
		shape = minShape
	}
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return Gamma(rng, 1+shape, scale) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := Normal(rng)
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// Normal draws a standard normal variate using Box-Muller.
func Normal(rng *rand.Rand) float64 {
	u1 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}
