package math_test

import (
	"testing"

	fpmath "CdpLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Test: DecPow
// ============================================================================

func TestDecPow_SmallExponents(t *testing.T) {
	half := fpmath.MustParseAmount("500000000000000000")

	assert.Equal(t, fpmath.Precision(), fpmath.DecPow(half, 0))
	assert.Equal(t, half, fpmath.DecPow(half, 1))
	assert.Equal(t, fpmath.MustParseAmount("250000000000000000"), fpmath.DecPow(half, 2))
	assert.Equal(t, fpmath.MustParseAmount("125000000000000000"), fpmath.DecPow(half, 3))
}

func TestDecPow_MinuteDecayHalvesInTwelveHours(t *testing.T) {
	factor := fpmath.MustParseAmount("999037758833783000")

	got := fpmath.DecPow(factor, 720)
	want := fpmath.MustParseAmount("500000000000000000")
	diff := new(uint256.Int)
	if got.Gt(want) {
		diff.Sub(got, want)
	} else {
		diff.Sub(want, got)
	}
	assert.True(t, diff.Lt(uint256.NewInt(1_000_000_000)), "got %s", got)
}

func TestDecPow_ExponentCapped(t *testing.T) {
	factor := fpmath.MustParseAmount("999037758833783000")
	assert.Equal(t, fpmath.DecPow(factor, 525_600_000), fpmath.DecPow(factor, 1<<62))
}
