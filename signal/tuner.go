package signal

import (
	"sync"
	"time"
)

// TradeOutcome is one closed trade's realized performance, ported from
// self_adjuster.py's TradeOutcome dataclass.
type TradeOutcome struct {
	Source            string
	Asset             string
	Direction         string
	ConfidenceAtEntry float64
	EntryPrice        float64
	ExitPrice         float64
	PnLUSD            float64
	PnLPct            float64
	HoldHours         float64
	FeesUSD           float64
	ExitTrigger       string
	Regime            string
	Timestamp         time.Time
}

// IsWin reports whether the outcome was profitable.
func (o TradeOutcome) IsWin() bool { return o.PnLUSD > 0 }

// TunerConfig holds the auto-tuner's thresholds, mirroring self_adjuster.py's
// TunerConfig defaults.
type TunerConfig struct {
	MinTrades       int
	LearningRate    float64
	MinWeight       float64
	TuneInterval    time.Duration
	TuneAfterTrades int
}

// DefaultTunerConfig returns the original's defaults.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		MinTrades:       10,
		LearningRate:    0.10,
		MinWeight:       0.10,
		TuneInterval:    24 * time.Hour,
		TuneAfterTrades: 10,
	}
}

// SourceStat is one source's tuned summary.
type SourceStat struct {
	WinRate              float64
	AvgPnLPct            float64
	AvgWinPct            float64
	AvgLossPct           float64
	AvgClaimedConfidence float64
	Trades               int
	Weight               float64
	SizeMult             float64
	CalibrationFactor    float64
}

// RegimeStat is one market-regime's tuned summary.
type RegimeStat struct {
	WinRate   float64
	AvgPnLPct float64
	Trades    int
}

// TuneResult is returned by Tune() / RecordOutcome() when a retune ran.
type TuneResult struct {
	TotalTrades    int
	SourceStats    map[string]SourceStat
	RegimeStats    map[string]RegimeStat
	WeightsUpdated bool
}

// AutoTuner periodically re-weights signal sources, scales position size,
// and calibrates confidence from realized trade outcomes (spec.md §4.9,
// testable property 5: after tune() with >= MinTrades outcomes, weights
// sum to 1 +/- 0.01 and every weight is >= MinWeight).
type AutoTuner struct {
	cfg TunerConfig

	mu                    sync.Mutex
	outcomes              []TradeOutcome
	sourceWeights         map[string]float64
	sizeMultipliers       map[string]float64
	confidenceCalibration map[string]float64
	lastTune              time.Time
	tradesSinceTune       int
}

// NewAutoTuner seeds the three default sources at their starting weights.
func NewAutoTuner(cfg TunerConfig) *AutoTuner {
	return &AutoTuner{
		cfg: cfg,
		sourceWeights: map[string]float64{
			"grok_perps": 0.50,
			"momentum":   0.30,
			"aggregate":  0.20,
		},
		sizeMultipliers:       make(map[string]float64),
		confidenceCalibration: make(map[string]float64),
		lastTune:              time.Now(),
	}
}

// RecordOutcome appends o and runs Tune() if enough trades have
// accumulated or the tune interval has elapsed, returning the result of
// that tune (nil if no tune ran this call).
func (t *AutoTuner) RecordOutcome(o TradeOutcome) *TuneResult {
	t.mu.Lock()
	t.outcomes = append(t.outcomes, o)
	t.tradesSinceTune++
	shouldTune := t.tradesSinceTune >= t.cfg.TuneAfterTrades || time.Since(t.lastTune) >= t.cfg.TuneInterval
	t.mu.Unlock()

	if shouldTune {
		result := t.Tune()
		return &result
	}
	return nil
}

// GetWeights returns a snapshot copy of the current source weights.
func (t *AutoTuner) GetWeights() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.sourceWeights))
	for k, v := range t.sourceWeights {
		out[k] = v
	}
	return out
}

// GetSizeMultiplier returns the half-Kelly-derived size multiplier for
// source, defaulting to 1.0 when untuned.
func (t *AutoTuner) GetSizeMultiplier(source string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.sizeMultipliers[baseSourceOf(source)]; ok {
		return m
	}
	return 1.0
}

// GetCalibratedConfidence applies source's calibration factor to a raw
// confidence value, clamped to [0, 0.99].
func (t *AutoTuner) GetCalibratedConfidence(source string, raw float64) float64 {
	t.mu.Lock()
	factor, ok := t.confidenceCalibration[baseSourceOf(source)]
	t.mu.Unlock()
	if !ok {
		factor = 1.0
	}
	c := raw * factor
	if c > 0.99 {
		c = 0.99
	}
	if c < 0 {
		c = 0
	}
	return c
}

// GetSummary returns the full current tuning state without forcing a tune.
func (t *AutoTuner) GetSummary() TuneResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.computeLocked()
}

// Tune recomputes source weights (EMA update, floored, renormalized),
// size multipliers (half-Kelly), and confidence calibration from all
// recorded outcomes.
func (t *AutoTuner) Tune() TuneResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := t.computeLocked()
	if len(t.outcomes) < t.cfg.MinTrades {
		t.tradesSinceTune = 0
		t.lastTune = time.Now()
		return result
	}

	for source, stat := range result.SourceStats {
		// EMA weight update toward the source's realized win rate, ported
		// from self_adjuster.py: new_w = old_w + lr*(win_rate - old_w).
		// Only sources already tracked in sourceWeights are re-weighted;
		// an unseen source still gets size/calibration tuning below.
		if oldWeight, ok := t.sourceWeights[source]; ok {
			newWeight := oldWeight + t.cfg.LearningRate*(stat.WinRate-oldWeight)
			if newWeight < t.cfg.MinWeight {
				newWeight = t.cfg.MinWeight
			}
			t.sourceWeights[source] = newWeight
		}

		t.sizeMultipliers[source] = halfKellyMultiplier(stat.WinRate, stat.AvgWinPct, stat.AvgLossPct, stat.Trades)
		if stat.AvgClaimedConfidence > 0.1 {
			t.confidenceCalibration[source] = clamp(stat.WinRate/stat.AvgClaimedConfidence, 0.5, 1.5)
		}
	}

	normalizeWithFloor(t.sourceWeights, t.cfg.MinWeight)

	result.WeightsUpdated = true
	result.SourceStats = t.statsLocked() // re-read post-update weights
	t.tradesSinceTune = 0
	t.lastTune = time.Now()
	return result
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// halfKellyMultiplier computes half the Kelly fraction from a source's
// realized win rate and average win/loss magnitudes, ported verbatim from
// self_adjuster.py: kelly = (win_rate*avg_win - (1-win_rate)*avg_loss) /
// avg_win, half_kelly = kelly/2, clamped to [0.25, 1.5]. Falls back to 1.0
// when there isn't enough data (avg_win <= 0 or fewer than 5 trades).
func halfKellyMultiplier(winRate, avgWinPct, avgLossPct float64, trades int) float64 {
	if avgWinPct <= 0 || trades < 5 {
		return 1.0
	}
	kelly := (winRate*avgWinPct - (1-winRate)*avgLossPct) / avgWinPct
	return clamp(kelly/2.0, 0.25, 1.5)
}

// normalizeWithFloor renormalizes weights to sum to 1, then re-applies the
// floor and renormalizes again until stable (bounded iterations), so the
// invariant "every weight >= min" survives normalization even though the
// original Python does not guarantee this on its own.
func normalizeWithFloor(weights map[string]float64, min float64) {
	for i := 0; i < 10; i++ {
		var total float64
		for _, w := range weights {
			total += w
		}
		if total <= 0 {
			return
		}
		changed := false
		for k, w := range weights {
			normalized := w / total
			if normalized < min {
				normalized = min
				changed = true
			}
			weights[k] = normalized
		}
		if !changed {
			return
		}
	}
}

func (t *AutoTuner) statsLocked() map[string]SourceStat {
	bySource := make(map[string][]TradeOutcome)
	for _, o := range t.outcomes {
		base := baseSourceOf(o.Source)
		bySource[base] = append(bySource[base], o)
	}

	sources := make(map[string]bool, len(t.sourceWeights)+len(bySource))
	for source := range t.sourceWeights {
		sources[source] = true
	}
	for source := range bySource {
		sources[source] = true
	}

	stats := make(map[string]SourceStat, len(sources))
	for source := range sources {
		trades := bySource[source]
		stat := SourceStat{Weight: t.sourceWeights[source], SizeMult: 1.0, CalibrationFactor: 1.0}
		if m, ok := t.sizeMultipliers[source]; ok {
			stat.SizeMult = m
		}
		if c, ok := t.confidenceCalibration[source]; ok {
			stat.CalibrationFactor = c
		}
		if len(trades) == 0 {
			stats[source] = stat
			continue
		}

		var wins, pnlSum, winSum, lossSum, confSum float64
		var winCount, lossCount int
		for _, o := range trades {
			pnlSum += o.PnLPct
			confSum += o.ConfidenceAtEntry
			if o.IsWin() {
				wins++
				winSum += o.PnLPct
				winCount++
			} else {
				lossSum += -o.PnLPct
				lossCount++
			}
		}
		stat.Trades = len(trades)
		stat.WinRate = wins / float64(len(trades))
		stat.AvgPnLPct = pnlSum / float64(len(trades))
		stat.AvgClaimedConfidence = confSum / float64(len(trades))
		if winCount > 0 {
			stat.AvgWinPct = winSum / float64(winCount)
		}
		if lossCount > 0 {
			stat.AvgLossPct = lossSum / float64(lossCount)
		}
		stats[source] = stat
	}
	return stats
}

func (t *AutoTuner) regimeStatsLocked() map[string]RegimeStat {
	byRegime := make(map[string][]TradeOutcome)
	for _, o := range t.outcomes {
		regime := o.Regime
		if regime == "" {
			regime = "unknown"
		}
		byRegime[regime] = append(byRegime[regime], o)
	}

	stats := make(map[string]RegimeStat, len(byRegime))
	for regime, trades := range byRegime {
		var wins, pnlSum float64
		for _, o := range trades {
			pnlSum += o.PnLPct
			if o.IsWin() {
				wins++
			}
		}
		stats[regime] = RegimeStat{
			WinRate:   wins / float64(len(trades)),
			AvgPnLPct: pnlSum / float64(len(trades)),
			Trades:    len(trades),
		}
	}
	return stats
}

func (t *AutoTuner) computeLocked() TuneResult {
	return TuneResult{
		TotalTrades: len(t.outcomes),
		SourceStats: t.statsLocked(),
		RegimeStats: t.regimeStatsLocked(),
	}
}
