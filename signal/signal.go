// Package signal merges multi-source AI trade signals into execution
// intents and auto-tunes source weights from realized outcomes. Ported
// from core/jupiter_perps/ai_signal_bridge.py and self_adjuster.py
// (spec.md §4.9, §4.12).
package signal

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"perpsd/intent"
)

// AISignal is one collaborator-produced trade signal before or after
// merging (spec.md §4.12).
type AISignal struct {
	Asset           string
	Direction       string // "long", "short", "neutral"
	Confidence      float64
	Regime          string // "bull", "bear", "neutral", "ranging"
	Source          string
	Provider        string
	Model           string
	ExpectedMovePct float64
	MaxLeverage     float64
	Rationale       string
}

// MergeConfig tunes the weighted-arbitration merge (spec.md §4.9).
type MergeConfig struct {
	SourceWeights       map[string]float64
	ProviderReliability map[string]float64
	ArbitrationMargin   float64
	MinDirectionScore   float64
}

// DefaultMergeConfig mirrors ai_signal_bridge.py's module defaults.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		SourceWeights: map[string]float64{
			"grok_perps": 0.50,
			"momentum":   0.30,
			"aggregate":  0.20,
		},
		ProviderReliability: map[string]float64{
			"xai":       1.0,
			"openai":    0.9,
			"anthropic": 0.95,
			"rules":     0.8,
			"ecosystem": 0.75,
			"operator":  1.0,
			"unknown":   0.75,
		},
		ArbitrationMargin: 0.35,
		MinDirectionScore: 0.15,
	}
}

func baseSourceOf(source string) string {
	if strings.HasPrefix(source, "consensus(") && strings.HasSuffix(source, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(source, "consensus("), ")")
		if inner == "" {
			return source
		}
		return strings.TrimSpace(strings.Split(inner, ",")[0])
	}
	return source
}

func sourceWeight(source string, weights map[string]float64) float64 {
	if w, ok := weights[baseSourceOf(source)]; ok {
		return w
	}
	if w, ok := weights[source]; ok {
		return w
	}
	return 0.1
}

func providerReliability(provider string, table map[string]float64) float64 {
	key := strings.ToLower(strings.TrimSpace(provider))
	if key == "" {
		key = "unknown"
	}
	if w, ok := table[key]; ok {
		return w
	}
	return table["unknown"]
}

type scoredSignal struct {
	sig    AISignal
	weight float64
	score  float64
}

// Merge groups signals by asset and arbitrates each group's long/short
// vote into at most one merged AISignal per asset, ported verbatim from
// merge_signals in ai_signal_bridge.py. It is pure and stateless: same
// input always produces the same output.
func Merge(signals []AISignal, cfg MergeConfig) []AISignal {
	byAsset := make(map[string][]AISignal)
	var order []string
	for _, s := range signals {
		if _, seen := byAsset[s.Asset]; !seen {
			order = append(order, s.Asset)
		}
		byAsset[s.Asset] = append(byAsset[s.Asset], s)
	}

	var merged []AISignal
	for _, asset := range order {
		group := byAsset[asset]
		if len(group) == 1 {
			merged = append(merged, group[0])
			continue
		}

		buckets := map[string][]scoredSignal{"long": nil, "short": nil}
		for _, s := range group {
			if s.Direction != "long" && s.Direction != "short" {
				continue
			}
			weight := sourceWeight(s.Source, cfg.SourceWeights) * providerReliability(s.Provider, cfg.ProviderReliability)
			if weight < 0.01 {
				weight = 0.01
			}
			score := s.Confidence * weight
			buckets[s.Direction] = append(buckets[s.Direction], scoredSignal{sig: s, weight: weight, score: score})
		}

		if len(buckets["long"]) == 0 && len(buckets["short"]) == 0 {
			continue
		}

		var longScore, shortScore float64
		for _, b := range buckets["long"] {
			longScore += b.score
		}
		for _, b := range buckets["short"] {
			shortScore += b.score
		}
		total := longScore + shortScore
		if total <= 0 {
			continue
		}

		winnerDir, winnerScore, loserScore := "long", longScore, shortScore
		if shortScore > longScore {
			winnerDir, winnerScore, loserScore = "short", shortScore, longScore
		}

		if winnerScore < cfg.MinDirectionScore {
			continue
		}

		margin := (winnerScore - loserScore) / total
		if loserScore > 0 && margin < cfg.ArbitrationMargin {
			continue // ambiguous conflict: drop rather than guess
		}

		winners := buckets[winnerDir]
		sort.Slice(winners, func(i, j int) bool { return winners[i].score > winners[j].score })

		var totalWeight, weightedConf float64
		for _, w := range winners {
			totalWeight += w.weight
			weightedConf += w.sig.Confidence * w.weight
		}
		if totalWeight > 0 {
			weightedConf /= totalWeight
		}

		consensusBonus := math.Min(float64(len(winners)-1)*0.02, 0.06)
		marginBonus := math.Min(margin*0.18, 0.12)
		finalConfidence := math.Min(weightedConf+consensusBonus+marginBonus, 0.98)

		best := winners[0].sig
		names := make([]string, len(winners))
		for i, w := range winners {
			names[i] = w.sig.Source
		}

		merged = append(merged, AISignal{
			Asset:           asset,
			Direction:       winnerDir,
			Confidence:      finalConfidence,
			Regime:          best.Regime,
			Source:          fmt.Sprintf("consensus(%s)", strings.Join(names, ",")),
			Provider:        best.Provider,
			Model:           best.Model,
			ExpectedMovePct: best.ExpectedMovePct,
			MaxLeverage:     best.MaxLeverage,
			Rationale:       best.Rationale,
		})
	}
	return merged
}

// leverageTable mirrors signal_to_intent's confidence -> leverage ladder.
var leverageTable = []struct {
	minConfidence float64
	leverage      float64
}{
	{0.90, 10},
	{0.80, 7},
	{0.70, 5},
	{0.60, 3},
	{0.0, 2},
}

func lookupLeverage(confidence float64) float64 {
	for _, row := range leverageTable {
		if confidence >= row.minConfidence {
			return row.leverage
		}
	}
	return 2
}

const (
	minSignalConfidence = 0.55
	baseSizeUSD         = 200.0
	maxSizeUSD          = 2000.0
)

func marketForAsset(asset string) (string, bool) {
	market := strings.ToUpper(asset) + "-USD"
	if intent.SupportedMarkets[market] {
		return market, true
	}
	return "", false
}

func regimeAdjustedConfidence(s AISignal) float64 {
	c := s.Confidence
	switch {
	case s.Regime == "bear" && s.Direction == "long":
		c *= 0.75
	case s.Regime == "bull" && s.Direction == "short":
		c *= 0.75
	case s.Regime == "bull" && s.Direction == "long":
		c *= 1.05
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}

func computeSize(confidence, leverage, sizeMultiplier float64) float64 {
	size := baseSizeUSD * confidence * (leverage / 5.0) * sizeMultiplier
	if size > maxSizeUSD {
		size = maxSizeUSD
	}
	if size < intent.MinPositionUSD {
		size = intent.MinPositionUSD
	}
	return size
}

// ToOpenPositionIntent converts a merged signal into an OpenPosition
// intent, or returns ok=false when the signal should not produce a trade
// (neutral direction, unsupported asset, or below the confidence gate).
func ToOpenPositionIntent(s AISignal, sizeMultiplier float64) (*intent.OpenPosition, bool) {
	if s.Direction != "long" && s.Direction != "short" {
		return nil, false
	}
	market, ok := marketForAsset(s.Asset)
	if !ok {
		return nil, false
	}

	confidence := regimeAdjustedConfidence(s)
	if confidence < minSignalConfidence {
		return nil, false
	}

	leverage := lookupLeverage(confidence)
	if s.MaxLeverage > 0 && s.MaxLeverage < leverage {
		leverage = s.MaxLeverage
	}

	sizeUSD := computeSize(confidence, leverage, sizeMultiplier)
	collateralUSD := sizeUSD / leverage

	side := intent.SideLong
	if s.Direction == "short" {
		side = intent.SideShort
	}

	op, err := intent.NewOpenPosition(market, side, intent.CollateralUSDC, collateralUSD, leverage, 50)
	if err != nil {
		return nil, false
	}
	return op, true
}

// ExitDecisionToIntent builds the ClosePosition intent an exit trigger or
// signal reversal produces.
func ExitDecisionToIntent(positionPDA string) *intent.ClosePosition {
	return intent.NewClosePosition(positionPDA, 100)
}

// CooldownTracker prevents the same (asset, direction) pair from producing
// a fresh OpenPosition intent more often than cooldown allows, ported from
// the bridge's per-asset cooldown gate.
type CooldownTracker struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
}

// NewCooldownTracker builds a tracker with the given per-asset cooldown.
func NewCooldownTracker(cooldown time.Duration) *CooldownTracker {
	return &CooldownTracker{cooldown: cooldown, last: make(map[string]time.Time)}
}

// Allow reports whether asset/direction may fire now, and if so records
// the firing time.
func (c *CooldownTracker) Allow(asset, direction string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := asset + ":" + direction
	if last, ok := c.last[key]; ok && time.Since(last) < c.cooldown {
		return false
	}
	c.last[key] = time.Now()
	return true
}
