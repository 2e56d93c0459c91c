// Package activation implements the ACT-R recall model used to rank and
// decay memory notes: base-level learning from access history, spreading
// activation from query similarity, logistic noise, and the Ebbinghaus
// retention curve. All scoring functions are pure.
package activation

import (
	"math"
	"math/rand"
	"time"
)

// MinDeltaHours clamps access ages to one second, avoiding division by zero
// for a retrieval that happened "just now".
const MinDeltaHours = 1.0 / 3600.0

// PetrovThreshold is the access-log length above which BaseLevel switches to
// the Petrov (2006) hybrid approximation. The exact sum is O(n) per score and
// loses precision for long histories.
const PetrovThreshold = 50

// Params holds the tunable constants of the recall model.
type Params struct {
	ContextWeight      float64 // W in the spreading equation
	NoiseStdDev        float64 // sigma of the logistic noise
	DecayParameter     float64 // d in the base-level equation
	RetrievalThreshold float64 // minimum total activation to surface a result
}

// DefaultParams returns the standard ACT-R parameterization.
func DefaultParams() Params {
	return Params{
		ContextWeight:      11.0,
		NoiseStdDev:        1.2,
		DecayParameter:     0.5,
		RetrievalThreshold: 0.0,
	}
}

// BaseLevel computes the ACT-R base-level learning equation
//
//	B_i = ln(sum_j dt_j^(-d))
//
// over the ages (in hours) of every recorded access. An empty history scores
// -Inf: a note that has never been retrieved can never outrank one that has.
// Histories longer than PetrovThreshold use the hybrid approximation
// B_i ~= ln(n/(1-d)) - d*ln(L), with L the hours since the earliest access.
// Timestamps are RFC 3339 strings; entries that fail to parse are ignored.
func BaseLevel(accessLog []string, now time.Time, d float64) float64 {
	if len(accessLog) == 0 {
		return math.Inf(-1)
	}

	if len(accessLog) > PetrovThreshold {
		n := 0
		earliest := now
		for _, ts := range accessLog {
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				continue
			}
			n++
			if t.Before(earliest) {
				earliest = t
			}
		}
		if n == 0 {
			return math.Inf(-1)
		}
		l := math.Max(now.Sub(earliest).Hours(), MinDeltaHours)
		return math.Log(float64(n)/(1-d)) - d*math.Log(l)
	}

	sum := 0.0
	seen := 0
	for _, ts := range accessLog {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		seen++
		dt := math.Max(now.Sub(t).Hours(), MinDeltaHours)
		sum += math.Pow(dt, -d)
	}
	if seen == 0 {
		return math.Inf(-1)
	}
	return math.Log(sum)
}

// Spreading computes the query-context contribution S_i = W * similarity.
// Kept linear so the ranking stays interpretable and tunable through W alone.
func Spreading(similarity, contextWeight float64) float64 {
	return contextWeight * similarity
}

// Noise draws a sample from a logistic distribution with standard deviation
// sigma, via inverse-CDF sampling. The uniform draw is resampled away from
// the boundaries so the result is always finite.
func Noise(sigma float64) float64 {
	s := sigma * math.Sqrt(3) / math.Pi

	u := rand.Float64()
	for u <= 0 || u >= 1 {
		u = rand.Float64()
	}
	return s * math.Log(u/(1-u))
}

// Total sums the three activation components. -Inf base propagates.
func Total(base, spreading, noise float64) float64 {
	return base + spreading + noise
}

// Retention is the Ebbinghaus forgetting curve R(t) = 2^(-t/halfLife).
func Retention(halfLife, elapsedHours float64) float64 {
	return math.Pow(2, -elapsedHours/halfLife)
}

// ReinforceHalfLife slows a note's decay after a successful retrieval:
// newHalfLife = halfLife * (1 + factor).
func ReinforceHalfLife(halfLife, factor float64) float64 {
	return halfLife * (1 + factor)
}

// DefaultReinforceFactor is the per-retrieval half-life growth rate.
const DefaultReinforceFactor = 0.1

// IsPruningCandidate reports whether a note's activation has fallen below
// the pruning threshold. Pinned notes are never candidates.
func IsPruningCandidate(activation, threshold float64, pinned bool) bool {
	if pinned {
		return false
	}
	return activation < threshold
}
