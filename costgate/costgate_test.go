package costgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsd/position"
)

func newTestPosition(pda, market string, side position.Side, size float64) *position.TrackedPosition {
	return &position.TrackedPosition{
		PDA:          pda,
		Market:       market,
		Side:         side,
		EntryPrice:   100,
		PeakPrice:    100,
		CurrentPrice: 100,
		SizeUSD:      size,
		Leverage:     5,
	}
}

func TestExpectedHoldHours_NearestTierAtOrBelow(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 24.0, ExpectedHoldHours(cfg, 1))
	assert.Equal(t, 24.0, ExpectedHoldHours(cfg, 2))
	assert.Equal(t, 16.0, ExpectedHoldHours(cfg, 4))
	assert.Equal(t, 8.0, ExpectedHoldHours(cfg, 5))
	assert.Equal(t, 1.0, ExpectedHoldHours(cfg, 50))
}

func TestEvaluate_PassesWithinAllLimits(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 500, Leverage: 5, Confidence: 0.9}

	v := Evaluate(DefaultConfig(), c, pm)
	assert.True(t, v.Passed, v.Reason)
}

func TestEvaluate_RejectsDuplicatePosition(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	pm.RegisterOpen(newTestPosition("pda-1", "SOL-USD", position.SideLong, 500))

	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 500, Leverage: 5, Confidence: 0.9}
	v := Evaluate(DefaultConfig(), c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "already have")
}

func TestEvaluate_RejectsLowConfidenceAgainstHurdle(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 500, Leverage: 20, Confidence: 0.01}

	v := Evaluate(DefaultConfig(), c, pm)
	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "hurdle rate")
}

func TestEvaluate_RejectsPortfolioExposureCap(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	pm.RegisterOpen(newTestPosition("pda-1", "BTC-USD", position.SideLong, 4900))

	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 500, Leverage: 5, Confidence: 0.9}
	v := Evaluate(DefaultConfig(), c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "portfolio exposure")
}

func TestEvaluate_RejectsAssetConcentrationCap(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	pm.RegisterOpen(newTestPosition("pda-1", "SOL-USD", position.SideShort, 1900))

	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 500, Leverage: 5, Confidence: 0.9}
	v := Evaluate(DefaultConfig(), c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "asset exposure")
}

func TestEvaluate_RejectsPositionCountLimit(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	markets := []string{"SOL-USD", "BTC-USD", "ETH-USD", "JLP-USD", "BONK-USD"}
	for i, mkt := range markets {
		pm.RegisterOpen(newTestPosition(mkt+"-pda", mkt, position.SideLong, 10))
		_ = i
	}

	c := Candidate{Market: "SOL-USD", Side: position.SideShort, SizeUSD: 50, Leverage: 5, Confidence: 0.9}
	v := Evaluate(DefaultConfig(), c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "position count")
}

func TestEvaluate_RejectsDailyTradeCountLimit(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	pm.RegisterOpen(newTestPosition("pda-1", "BTC-USD", position.SideLong, 50))
	cfg := DefaultConfig()
	cfg.MaxTradesPerDay = 1

	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 50, Leverage: 5, Confidence: 0.9}
	v := Evaluate(cfg, c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "trade count")
}

func TestEvaluate_RejectsDailyLossLimit(t *testing.T) {
	pm := position.NewManager(position.DefaultConfig())
	pm.MarkClosed("nonexistent") // no-op, sanity that MarkClosed tolerates unknown pda

	p := newTestPosition("pda-1", "BTC-USD", position.SideLong, 1000)
	p.CollateralUSD = 1000
	pm.RegisterOpen(p)
	p.CurrentPrice = 40 // large unrealized loss, folded into realized P&L on close
	pm.MarkClosed("pda-1")

	c := Candidate{Market: "SOL-USD", Side: position.SideLong, SizeUSD: 50, Leverage: 5, Confidence: 0.9}
	v := Evaluate(DefaultConfig(), c, pm)

	require.False(t, v.Passed)
	assert.Contains(t, v.Reason, "daily P&L")
}
