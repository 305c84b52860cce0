package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyImpactFactor(t *testing.T) {
	exponent := d("2")
	factor := d("0.00000002") // 2e-8

	t.Run("ZeroDiff", func(t *testing.T) {
		got := ApplyImpactFactor(decimal.Zero, factor, exponent)
		assert.True(t, got.IsZero())
	})

	t.Run("BelowPrecisionThreshold", func(t *testing.T) {
		got := ApplyImpactFactor(d("0.999999999999999999"), factor, exponent)
		assert.True(t, got.IsZero(), "diff below one unit of precision must price to zero")
	})

	t.Run("ExactlyAtThreshold", func(t *testing.T) {
		// 1^2 * 2e-8 / 2 = 1e-8
		got := ApplyImpactFactor(d("1"), factor, exponent)
		assert.True(t, got.Equal(d("0.00000001")), "got %s", got)
	})

	t.Run("ExactInteger", func(t *testing.T) {
		// (10^6)^2 * 2e-8 / 2 = 10^4
		got := ApplyImpactFactor(d("1000000"), factor, exponent)
		assert.True(t, got.Equal(d("10000")), "got %s", got)
	})

	t.Run("TruncatesNotRounds", func(t *testing.T) {
		// 3^2 * 1e-31 / 2 = 4.5e-31, below 30-decimal precision: truncates to zero.
		got := ApplyImpactFactor(d("3"), d("0.0000000000000000000000000000001"), exponent)
		assert.True(t, got.IsZero(), "sub-precision result must truncate to zero, got %s", got)
	})
}

func TestSameSideRebalance(t *testing.T) {
	exponent := d("2")
	factor := d("0.00000002")

	t.Run("NoChangeNoImpact", func(t *testing.T) {
		for _, diff := range []string{"0", "1", "12345.678", "1000000"} {
			got := SameSideRebalance(d(diff), d(diff), factor, exponent)
			assert.True(t, got.IsZero(), "diff %s", diff)
		}
	})

	t.Run("ShrinkingImbalanceIsRebate", func(t *testing.T) {
		// f(2e6) = 40000, f(1e6) = 10000
		got := SameSideRebalance(d("2000000"), d("1000000"), factor, exponent)
		require.True(t, got.Equal(d("30000")), "got %s", got)
		assert.True(t, got.IsPositive())
	})

	t.Run("GrowingImbalanceIsCharge", func(t *testing.T) {
		got := SameSideRebalance(d("1000000"), d("2000000"), factor, exponent)
		require.True(t, got.Equal(d("-30000")), "got %s", got)
		assert.True(t, got.IsNegative())
	})
}

func TestCrossoverRebalance(t *testing.T) {
	exponent := d("2")
	positiveFactor := d("0.00000002")
	negativeFactor := d("0.00000004")

	t.Run("GrowingSideDominates", func(t *testing.T) {
		// f_pos(1e6) = 10000, f_neg(2e6) = 80000
		got := CrossoverRebalance(d("1000000"), d("2000000"), positiveFactor, negativeFactor, exponent)
		assert.True(t, got.Equal(d("-70000")), "got %s", got)
	})

	t.Run("ShrinkingSideDominates", func(t *testing.T) {
		// f_pos(3e6) = 90000, f_neg(1e6) = 20000
		got := CrossoverRebalance(d("3000000"), d("1000000"), positiveFactor, negativeFactor, exponent)
		assert.True(t, got.Equal(d("70000")), "got %s", got)
	})
}

func TestImbalanceImpact(t *testing.T) {
	params := ImpactParams{
		PositiveFactor: d("0.00000002"),
		NegativeFactor: d("0.00000004"),
		ExponentFactor: d("2"),
	}

	t.Run("BalancedStaysBalanced", func(t *testing.T) {
		got := ImbalanceImpact(d("50000"), d("50000"), d("60000"), d("60000"), params)
		assert.True(t, got.IsZero())
	})

	t.Run("SameSideImprovementUsesPositiveFactor", func(t *testing.T) {
		// |long-short| goes 2e6 -> 1e6, no sign flip.
		got := ImbalanceImpact(d("3000000"), d("1000000"), d("2000000"), d("1000000"), params)
		assert.True(t, got.Equal(d("30000")), "got %s", got)
	})

	t.Run("SameSideWorseningUsesNegativeFactor", func(t *testing.T) {
		// |long-short| goes 1e6 -> 2e6; f_neg(2e6)-f_neg(1e6) = 80000-20000
		got := ImbalanceImpact(d("2000000"), d("1000000"), d("3000000"), d("1000000"), params)
		assert.True(t, got.Equal(d("-60000")), "got %s", got)
	})

	t.Run("CrossoverDetected", func(t *testing.T) {
		// long-short goes +1e6 -> -2e6.
		got := ImbalanceImpact(d("2000000"), d("1000000"), d("1000000"), d("3000000"), params)
		assert.True(t, got.Equal(d("-70000")), "got %s", got)
	})
}
