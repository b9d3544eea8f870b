// Package costgate implements the stateless, ordered pre-trade economic
// and portfolio checks, ported from core/jupiter_perps/cost_gate.py
// (spec.md §4.5). It has no side effects; it reads the position manager
// only through its public query methods.
package costgate

import (
	"fmt"

	"perpsd/feeoracle"
	"perpsd/position"
)

// Config holds the tunable cost-gate thresholds (spec.md §4.5 defaults).
type Config struct {
	MaxTotalExposureUSD   float64
	MaxAssetExposureUSD   float64
	MaxPositions          int
	DailyDrawdownHaltPct  float64
	MaxTradesPerDay       int
	DailyLossLimitUSD     float64
	LeverageToHoldHours   map[float64]float64
}

// DefaultConfig returns the defaults from cost_gate.py's CostGateConfig.
func DefaultConfig() Config {
	return Config{
		MaxTotalExposureUSD:  5000,
		MaxAssetExposureUSD:  2000,
		MaxPositions:         5,
		DailyDrawdownHaltPct: 3.0,
		MaxTradesPerDay:      40,
		DailyLossLimitUSD:    500,
		LeverageToHoldHours: map[float64]float64{
			2:  24,
			3:  16,
			5:  8,
			7:  4,
			10: 2,
			20: 1,
		},
	}
}

// ExpectedHoldHours picks the largest of the fixed tiers 2, 3, 5, 7, 10,
// 20 that is at or below leverage (the 2x tier when leverage is below 2)
// and returns that tier's hours from cfg.LeverageToHoldHours, matching
// cost_gate.py's expected_hold_hours nearest-tier lookup.
func ExpectedHoldHours(cfg Config, leverage float64) float64 {
	tiers := []float64{2, 3, 5, 7, 10, 20}
	best := tiers[0]
	for _, tier := range tiers {
		if leverage >= tier {
			best = tier
		}
	}
	return cfg.LeverageToHoldHours[best]
}

// Candidate is the minimal OpenPosition-shaped input the cost gate needs.
type Candidate struct {
	Market     string
	Side       position.Side
	SizeUSD    float64
	Leverage   float64
	Confidence float64
}

// Verdict is the cost gate's evaluation result.
type Verdict struct {
	Passed               bool
	Reason               string
	HurdleRatePct        float64
	TotalFeesUSD         float64
	ProjectedExposureUSD float64
}

func reject(reason string) Verdict {
	return Verdict{Passed: false, Reason: reason}
}

// Evaluate runs the eight ordered checks from spec.md §4.5, short
// circuiting on the first failure.
func Evaluate(cfg Config, c Candidate, pm *position.Manager) Verdict {
	hours := ExpectedHoldHours(cfg, c.Leverage)
	fees := feeoracle.FullFees(c.SizeUSD, hours, 0.65)
	hurdlePct := fees.Total / c.SizeUSD * 100

	maxHurdlePct := c.Confidence * 15
	if hurdlePct > maxHurdlePct {
		v := reject(fmt.Sprintf("hurdle rate %.3f%% exceeds confidence-scaled max %.3f%%", hurdlePct, maxHurdlePct))
		v.HurdleRatePct = hurdlePct
		v.TotalFeesUSD = fees.Total
		return v
	}

	projectedExposure := pm.GetTotalExposureUSD() + c.SizeUSD
	if projectedExposure > cfg.MaxTotalExposureUSD {
		return reject(fmt.Sprintf("projected portfolio exposure %.2f exceeds max %.2f", projectedExposure, cfg.MaxTotalExposureUSD))
	}

	projectedAssetExposure := pm.GetAssetExposureUSD(c.Market) + c.SizeUSD
	if projectedAssetExposure > cfg.MaxAssetExposureUSD {
		return reject(fmt.Sprintf("projected asset exposure %.2f exceeds max %.2f", projectedAssetExposure, cfg.MaxAssetExposureUSD))
	}

	if pm.GetPositionCount() >= cfg.MaxPositions {
		return reject(fmt.Sprintf("open position count %d at or above max %d", pm.GetPositionCount(), cfg.MaxPositions))
	}

	exposure := pm.GetTotalExposureUSD()
	if exposure > 0 {
		var unrealized float64
		for _, p := range pm.GetOpenPositions() {
			unrealized += p.UnrealizedPnLUSD()
		}
		dailyLossPct := -(unrealized + pm.GetDailyPnLUSD()) / exposure * 100
		if dailyLossPct >= cfg.DailyDrawdownHaltPct {
			return reject(fmt.Sprintf("daily drawdown %.2f%% at or above halt threshold %.2f%%", dailyLossPct, cfg.DailyDrawdownHaltPct))
		}
	}

	if pm.HasPosition(c.Market, c.Side) {
		return reject(fmt.Sprintf("already have an open %s position on %s", c.Side, c.Market))
	}

	if pm.GetTradesOpenedToday() >= cfg.MaxTradesPerDay {
		return reject(fmt.Sprintf("daily trade count %d at or above max %d", pm.GetTradesOpenedToday(), cfg.MaxTradesPerDay))
	}

	if pm.GetDailyPnLUSD() <= -cfg.DailyLossLimitUSD {
		return reject(fmt.Sprintf("realized daily P&L %.2f at or below limit -%.2f", pm.GetDailyPnLUSD(), cfg.DailyLossLimitUSD))
	}

	return Verdict{
		Passed:               true,
		HurdleRatePct:        hurdlePct,
		TotalFeesUSD:         fees.Total,
		ProjectedExposureUSD: projectedExposure,
	}
}
