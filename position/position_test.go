package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPosition(pda, market string, side Side, entry, size, leverage float64) *TrackedPosition {
	return &TrackedPosition{
		PDA:        pda,
		Market:     market,
		Side:       side,
		EntryPrice: entry,
		PeakPrice:  entry,
		SizeUSD:    size,
		Leverage:   leverage,
		OpenedAt:   time.Now(),
	}
}

// Scenario 1 (spec.md §8): SL fires, TP does not.
func TestScenario_StopLossFiresThenSuppressed(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-1", "SOL-USD", SideLong, 100, 500, 5)
	m.RegisterOpen(p)

	decisions := m.UpdatePrice("SOL-USD", 99.0)
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerStopLoss, decisions[0].Trigger)

	decisions = m.UpdatePrice("SOL-USD", 98.0)
	assert.Empty(t, decisions, "pending-exit suppression must prevent a second exit")
}

// Scenario 2: entry-price fill.
func TestScenario_EntryPriceFill(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-2", "SOL-USD", SideLong, 0, 500, 5)
	p.PeakPrice = 0
	m.RegisterOpen(p)

	decisions := m.UpdatePrice("SOL-USD", 150.0)
	assert.Empty(t, decisions)

	positions := m.GetOpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 150.0, positions[0].EntryPrice)
	assert.Equal(t, 150.0, positions[0].PeakPrice)

	decisions = m.UpdatePrice("SOL-USD", 148.5)
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerStopLoss, decisions[0].Trigger)
}

// Scenario 3: TP/SL trigger math, long, entry 150, 5x leverage.
func TestScenario_TPSLMath_Long(t *testing.T) {
	p := newPosition("pda-3", "SOL-USD", SideLong, 150, 750, 5)
	prices := ComputeTPSLTriggerPrices(p, DefaultConfig())

	assert.InDelta(t, 148.5, prices.SLPrice, 0.001)
	assert.False(t, prices.SLTriggerAbove)
	assert.InDelta(t, 153.12, prices.TPPrice, 0.001)
	assert.True(t, prices.TPTriggerAbove)
}

// Scenario 4: TP/SL trigger math, short, entry 60000, 5x leverage.
func TestScenario_TPSLMath_Short(t *testing.T) {
	p := newPosition("pda-4", "BTC-USD", SideShort, 60000, 300000, 5)
	prices := ComputeTPSLTriggerPrices(p, DefaultConfig())

	assert.InDelta(t, 60600, prices.SLPrice, 0.01)
	assert.True(t, prices.SLTriggerAbove)
	assert.InDelta(t, 58752, prices.TPPrice, 0.01)
	assert.False(t, prices.TPTriggerAbove)
}

func TestPeakPrice_NonDecreasingForLong(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-5", "SOL-USD", SideLong, 100, 500, 2)
	m.RegisterOpen(p)

	prices := []float64{101, 99, 105, 103, 110}
	var peak float64
	for _, price := range prices {
		m.UpdatePrice("SOL-USD", price)
		tracked := m.GetOpenPositions()
		if len(tracked) == 0 {
			break // position closed via an exit trigger
		}
		assert.GreaterOrEqual(t, tracked[0].PeakPrice, peak)
		peak = tracked[0].PeakPrice
	}
}

func TestDrawdownFromPeak_NeverNegative(t *testing.T) {
	p := newPosition("pda-6", "SOL-USD", SideLong, 100, 500, 2)
	p.PeakPrice = 100
	p.CurrentPrice = 105 // above peak momentarily before peak update in a hand test
	assert.GreaterOrEqual(t, p.DrawdownFromPeakPct(), 0.0)
}

func TestTakeProfitTrigger(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-7", "ETH-USD", SideLong, 2000, 1000, 10)
	m.RegisterOpen(p)

	decisions := m.UpdatePrice("ETH-USD", 2020) // +1% move * 10x = +10% pnl = TP threshold
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerTakeProfit, decisions[0].Trigger)
}

func TestEmergencyStopBeatsStopLoss(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-8", "SOL-USD", SideLong, 100, 500, 10)
	m.RegisterOpen(p)

	// -1.6% move * 10x = -16% pnl, past both emergency(15%) and stop loss(5%)
	decisions := m.UpdatePrice("SOL-USD", 98.4)
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerEmergencyStop, decisions[0].Trigger, "first match wins in severity order")
}

func TestTrailingStop(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-9", "SOL-USD", SideLong, 100, 500, 10)
	m.RegisterOpen(p)

	// Run up to activate trailing (+3% pnl threshold => price move of 0.3%)
	m.UpdatePrice("SOL-USD", 100.5) // +5% pnl, activates trailing (>=3%)
	// Drawdown from peak of at least 8% pnl-equivalent: peak 5%, drop to -4% (above the -5% stop loss)
	decisions := m.UpdatePrice("SOL-USD", 99.6) // pnl = -4%, drawdown = 5 - (-4) = 9% >= 8%
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerTrailingStop, decisions[0].Trigger)
}

func TestTimeDecayTrigger(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-10", "SOL-USD", SideLong, 100, 500, 2)
	p.OpenedAt = time.Now().Add(-49 * time.Hour)
	m.RegisterOpen(p)

	decisions := m.UpdatePrice("SOL-USD", 100.1)
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerTimeDecay, decisions[0].Trigger)
}

func TestFundingBleedTrigger(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-11", "SOL-USD", SideLong, 100, 1000, 2)
	p.CumulativeBorrowUSD = 25 // 2.5% of size_usd >= 2% default threshold
	m.RegisterOpen(p)

	decisions := m.UpdatePrice("SOL-USD", 100.1)
	require.Len(t, decisions, 1)
	assert.Equal(t, TriggerFundingBleed, decisions[0].Trigger)
}

func TestSignalReversal_RequiresConfidenceThreshold(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-12", "SOL-USD", SideLong, 100, 500, 2)
	m.RegisterOpen(p)

	decision := m.CheckSignalReversal("pda-12", 0.40)
	assert.Nil(t, decision)

	decision = m.CheckSignalReversal("pda-12", 0.60)
	require.NotNil(t, decision)
	assert.Equal(t, TriggerSignalReversal, decision.Trigger)
}

func TestAtMostOnePendingExitPerPosition(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-13", "SOL-USD", SideLong, 100, 500, 10)
	m.RegisterOpen(p)

	m.UpdatePrice("SOL-USD", 98.4) // emergency stop fires
	decisions := m.UpdatePrice("SOL-USD", 90.0)
	assert.Empty(t, decisions, "at most one ClosePosition key may be pending at a time")

	m.CancelPendingExit("pda-13")
	decisions = m.UpdatePrice("SOL-USD", 90.0)
	assert.NotEmpty(t, decisions, "after cancellation, triggers resume")
}

func TestMarkClosed_FoldsRealizedPnL(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := newPosition("pda-14", "SOL-USD", SideLong, 100, 500, 5)
	p.CollateralUSD = 100
	m.RegisterOpen(p)
	m.UpdatePrice("SOL-USD", 102)

	closed := m.MarkClosed("pda-14")
	require.NotNil(t, closed)
	assert.Greater(t, m.GetDailyPnLUSD(), 0.0)
	assert.Equal(t, 0, m.GetPositionCount())
}
