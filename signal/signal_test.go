package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestMerge_AmbiguousConflictDropped covers the scenario where two
// similarly-weighted sources disagree on direction for the same asset and
// the arbitration margin can't separate them: a near-even 0.80 long vs
// 0.75 short vote at equal weight (score margin ~0.03 against a required
// 0.40) must be dropped rather than guessed.
func TestMerge_AmbiguousConflictDropped(t *testing.T) {
	cfg := MergeConfig{
		SourceWeights: map[string]float64{
			"src_long":  1.0,
			"src_short": 1.0,
		},
		ProviderReliability: map[string]float64{
			"unittest": 1.0,
			"unknown":  0.75,
		},
		ArbitrationMargin: 0.40,
		MinDirectionScore: 0.15,
	}

	signals := []AISignal{
		{Asset: "BTC", Direction: "long", Confidence: 0.80, Source: "src_long", Provider: "unittest"},
		{Asset: "BTC", Direction: "short", Confidence: 0.75, Source: "src_short", Provider: "unittest"},
	}

	merged := Merge(signals, cfg)
	assert.Empty(t, merged)
}

// TestMerge_ClearWinnerSurvives is the mirror case: a wide enough gap
// between the two sides produces a merged consensus signal instead of a
// drop.
func TestMerge_ClearWinnerSurvives(t *testing.T) {
	cfg := MergeConfig{
		SourceWeights: map[string]float64{
			"src_long":  1.0,
			"src_short": 0.2,
		},
		ProviderReliability: map[string]float64{
			"unittest": 1.0,
		},
		ArbitrationMargin: 0.40,
		MinDirectionScore: 0.15,
	}

	signals := []AISignal{
		{Asset: "BTC", Direction: "long", Confidence: 0.90, Source: "src_long", Provider: "unittest"},
		{Asset: "BTC", Direction: "short", Confidence: 0.60, Source: "src_short", Provider: "unittest"},
	}

	merged := Merge(signals, cfg)
	if assert.Len(t, merged, 1) {
		assert.Equal(t, "long", merged[0].Direction)
		assert.Equal(t, "BTC", merged[0].Asset)
	}
}

func TestMerge_SingleSignalPassesThrough(t *testing.T) {
	cfg := DefaultMergeConfig()
	signals := []AISignal{{Asset: "ETH", Direction: "long", Confidence: 0.70, Source: "momentum"}}
	merged := Merge(signals, cfg)
	if assert.Len(t, merged, 1) {
		assert.Equal(t, signals[0], merged[0])
	}
}

func TestToOpenPositionIntent_RejectsNeutral(t *testing.T) {
	_, ok := ToOpenPositionIntent(AISignal{Asset: "BTC", Direction: "neutral", Confidence: 0.9}, 1.0)
	assert.False(t, ok)
}

func TestToOpenPositionIntent_RejectsBelowConfidenceGate(t *testing.T) {
	_, ok := ToOpenPositionIntent(AISignal{Asset: "BTC", Direction: "long", Confidence: 0.50}, 1.0)
	assert.False(t, ok)
}

func TestCooldownTracker_BlocksWithinWindow(t *testing.T) {
	c := NewCooldownTracker(time.Hour)
	assert.True(t, c.Allow("BTC", "long"))
	assert.False(t, c.Allow("BTC", "long"))
	assert.True(t, c.Allow("ETH", "long"))
}
