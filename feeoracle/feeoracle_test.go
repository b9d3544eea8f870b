package feeoracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBorrowRateHourly_Monotonic(t *testing.T) {
	prev := BorrowRateHourly(0)
	for u := 0.1; u <= 1.0; u += 0.1 {
		rate := BorrowRateHourly(u)
		assert.GreaterOrEqual(t, rate, prev)
		prev = rate
	}
}

func TestBorrowRateHourly_Bounds(t *testing.T) {
	assert.Equal(t, baseRateHourly, BorrowRateHourly(-1))
	assert.Equal(t, maxRateHourly, BorrowRateHourly(2))
}

func TestFullFees_ScalesWithNotional(t *testing.T) {
	small := FullFees(100, 4, 0.65)
	big := FullFees(1000, 4, 0.65)
	assert.Greater(t, big.Total, small.Total)
}

func TestMinimumWinPct_Positive(t *testing.T) {
	pct := MinimumWinPct(500, 8)
	assert.Greater(t, pct, 0.0)
	assert.Less(t, pct, 5.0)
}

func TestMinimumWinPct_ZeroNotional(t *testing.T) {
	assert.Equal(t, 0.0, MinimumWinPct(0, 8))
}
