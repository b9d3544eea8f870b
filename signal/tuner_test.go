package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// outcome builds a minimal TradeOutcome for a source/win-loss sequence,
// leaving fields the tuner doesn't read at their zero value.
func outcome(source string, pnlPct, claimedConfidence float64) TradeOutcome {
	return TradeOutcome{
		Source:            source,
		Asset:             "BTC",
		Direction:         "long",
		ConfidenceAtEntry: claimedConfidence,
		PnLPct:            pnlPct,
		PnLUSD:            pnlPct, // sign is all IsWin() needs
		HoldHours:         4,
		Timestamp:         time.Now(),
	}
}

// TestTune_WeightInvariant covers spec testable property 5: after tune()
// runs with at least MinTrades outcomes, weights sum to 1 +/- 0.01 and
// every weight is >= MinWeight.
func TestTune_WeightInvariant(t *testing.T) {
	cfg := DefaultTunerConfig()
	cfg.MinTrades = 10
	tuner := NewAutoTuner(cfg)

	// grok_perps wins heavily, momentum loses heavily, aggregate has no outcomes.
	for i := 0; i < 10; i++ {
		tuner.RecordOutcome(outcome("grok_perps", 5, 0.8))
	}
	for i := 0; i < 10; i++ {
		tuner.RecordOutcome(outcome("momentum", -5, 0.8))
	}
	result := tuner.Tune()

	assert.True(t, result.WeightsUpdated)

	weights := tuner.GetWeights()
	var sum float64
	for source, w := range weights {
		assert.GreaterOrEqualf(t, w, cfg.MinWeight, "source %s weight %f below floor", source, w)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}

// TestTune_BelowMinTradesSkipsUpdate mirrors the original's early return:
// with fewer than MinTrades recorded, Tune() must not touch weights.
func TestTune_BelowMinTradesSkipsUpdate(t *testing.T) {
	cfg := DefaultTunerConfig()
	cfg.MinTrades = 10
	tuner := NewAutoTuner(cfg)

	before := tuner.GetWeights()
	tuner.RecordOutcome(outcome("grok_perps", 5, 0.8))
	result := tuner.Tune()

	assert.False(t, result.WeightsUpdated)
	assert.Equal(t, before, tuner.GetWeights())
}

// TestHalfKellyMultiplier_ClampsAndFallsBack checks the ported formula's
// floor/ceiling and its fallback to 1.0 for insufficient or degenerate data.
func TestHalfKellyMultiplier_ClampsAndFallsBack(t *testing.T) {
	assert.Equal(t, 1.0, halfKellyMultiplier(0.6, 0.05, 0.03, 3), "fewer than 5 trades falls back")
	assert.Equal(t, 1.0, halfKellyMultiplier(0.6, 0, 0.03, 10), "zero avg win falls back")

	// High win rate, favorable win/loss ratio -> a healthy but bounded multiplier.
	high := halfKellyMultiplier(0.9, 0.10, 0.02, 20)
	assert.InDelta(t, 0.44, high, 0.01)
	assert.LessOrEqual(t, high, 1.5)

	// Losing edge -> kelly goes negative, clamped at the 0.25 floor.
	low := halfKellyMultiplier(0.2, 0.02, 0.10, 20)
	assert.Equal(t, 0.25, low)
}

// TestCalibration_DivergesFromClaimedConfidence checks the ported formula:
// win_rate / avg_claimed_confidence, clamped to [0.5, 1.5].
func TestCalibration_DivergesFromClaimedConfidence(t *testing.T) {
	cfg := DefaultTunerConfig()
	cfg.MinTrades = 10
	tuner := NewAutoTuner(cfg)

	// grok_perps claims 0.90 confidence but only wins half the time:
	// calibration should pull it down toward 0.5/0.9 = 0.56.
	for i := 0; i < 5; i++ {
		tuner.RecordOutcome(outcome("grok_perps", 5, 0.90))
	}
	for i := 0; i < 5; i++ {
		tuner.RecordOutcome(outcome("grok_perps", -5, 0.90))
	}
	tuner.Tune()

	calibrated := tuner.GetCalibratedConfidence("grok_perps", 0.90)
	assert.Less(t, calibrated, 0.90)
}
