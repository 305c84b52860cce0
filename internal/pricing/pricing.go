// Package pricing implements the pool-imbalance price impact math.
//
// All functions are pure and deterministic. USD values are fixed-point
// decimals carried at 30 fractional digits; exponentiation runs in a
// reduced 18-digit domain and results are rescaled back. Every
// narrowing step truncates, never rounds, so outputs are reproducible
// bit for bit across implementations.
package pricing

import (
	"github.com/shopspring/decimal"
)

const (
	// usdPrecision is the fixed-point precision of USD inputs/outputs.
	usdPrecision = 30
	// powPrecision is the reduced precision the exponentiation runs at.
	powPrecision = 18
)

var (
	two = decimal.NewFromInt(2)
	// impactThreshold is one unit of precision: exponentiation is
	// unstable below 1.0 in the fixed-point base, so smaller diffs
	// produce zero impact.
	impactThreshold = decimal.NewFromInt(1)
)

// ImpactParams bundles the per-market impact configuration.
type ImpactParams struct {
	PositiveFactor decimal.Decimal
	NegativeFactor decimal.Decimal
	ExponentFactor decimal.Decimal
}

// ApplyImpactFactor computes diffUsd^exponentFactor * factor / 2.
//
// Returns zero when diffUsd is below one unit of precision.
func ApplyImpactFactor(diffUsd, factor, exponentFactor decimal.Decimal) decimal.Decimal {
	if diffUsd.LessThan(impactThreshold) {
		return decimal.Zero
	}

	// Narrow into the exponentiation domain, truncating.
	base := diffUsd.Truncate(powPrecision)
	exponentiated, err := base.PowWithPrecision(exponentFactor, powPrecision+2)
	if err != nil {
		// Unreachable for base >= 1 and non-negative exponents.
		return decimal.Zero
	}
	exponentiated = exponentiated.Truncate(powPrecision)

	return exponentiated.Mul(factor).DivRound(two, usdPrecision+1).Truncate(usdPrecision)
}

// SameSideRebalance prices an action that moves the pool imbalance
// without flipping its sign. Inputs are imbalance magnitudes. The
// result is positive (a rebate) when the imbalance shrinks.
func SameSideRebalance(initialDiffUsd, nextDiffUsd, impactFactor, impactExponentFactor decimal.Decimal) decimal.Decimal {
	initialImpact := ApplyImpactFactor(initialDiffUsd, impactFactor, impactExponentFactor)
	nextImpact := ApplyImpactFactor(nextDiffUsd, impactFactor, impactExponentFactor)

	delta := initialImpact.Sub(nextImpact).Abs()
	if nextDiffUsd.LessThan(initialDiffUsd) {
		return delta
	}
	return delta.Neg()
}

// CrossoverRebalance prices an action that flips the imbalance sign.
// The positive factor applies to the initial (shrinking) side and the
// negative factor to the next (growing) side.
func CrossoverRebalance(initialDiffUsd, nextDiffUsd, positiveFactor, negativeFactor, exponentFactor decimal.Decimal) decimal.Decimal {
	positiveImpact := ApplyImpactFactor(initialDiffUsd, positiveFactor, exponentFactor)
	negativeImpact := ApplyImpactFactor(nextDiffUsd, negativeFactor, exponentFactor)

	delta := positiveImpact.Sub(negativeImpact).Abs()
	if positiveImpact.GreaterThan(negativeImpact) {
		return delta
	}
	return delta.Neg()
}

// ImbalanceImpact computes the signed USD impact of moving a pool from
// (initialLongUsd, initialShortUsd) to (nextLongUsd, nextShortUsd),
// selecting same-side or crossover pricing as appropriate.
func ImbalanceImpact(initialLongUsd, initialShortUsd, nextLongUsd, nextShortUsd decimal.Decimal, params ImpactParams) decimal.Decimal {
	initialDiff := initialLongUsd.Sub(initialShortUsd)
	nextDiff := nextLongUsd.Sub(nextShortUsd)

	if initialDiff.Sign()*nextDiff.Sign() < 0 {
		return CrossoverRebalance(initialDiff.Abs(), nextDiff.Abs(), params.PositiveFactor, params.NegativeFactor, params.ExponentFactor)
	}

	factor := params.NegativeFactor
	if nextDiff.Abs().LessThan(initialDiff.Abs()) {
		factor = params.PositiveFactor
	}
	return SameSideRebalance(initialDiff.Abs(), nextDiff.Abs(), factor, params.ExponentFactor)
}
