// Package feeoracle implements the pure fee/hurdle-rate functions treated
// as an opaque numeric oracle by spec.md §6.1, ported from
// core/backtesting/jupiter_fee_adapter.py: a dual-slope
// utilization-to-borrow-rate curve plus full round-trip fee and
// hurdle-rate calculations. No I/O, no shared state.
package feeoracle

// Dual-slope borrow curve constants, ported verbatim from
// jupiter_fee_adapter.py's BASE_RATE_HOURLY / TARGET_RATE_HOURLY /
// MAX_RATE_HOURLY / OPTIMAL_UTILIZATION.
const (
	baseRateHourly     = 0.000060 // 0.006%/hr at utilization 0
	targetRateHourly   = 0.000120 // 0.012%/hr at the optimal utilization point
	maxRateHourly      = 0.001800 // 0.18%/hr at utilization 1.0
	optimalUtilization = 0.70

	openFeeBps  = 6.0 // OPEN_FEE_BPS
	closeFeeBps = 8.0 // spec.md's own default overrides the adapter's CLOSE_FEE_BPS (6 bps)

	executionPenalty = 0.0005 // EXECUTION_PENALTY, charged once per leg (open + close)

	poolLiquidityUSD = 1_400_000_000.0 // POOL_LIQUIDITY_USD
	impactScalar     = 0.02            // IMPACT_SCALAR
	impactCapPct     = 0.005           // cap applied in calculate_impact_fee
)

// BorrowRateHourly returns the hourly borrow rate for a given utilization
// in [0,1], following a piecewise-linear dual-slope curve: a shallow slope
// from 0 to the optimal utilization point, and a steep slope beyond it.
func BorrowRateHourly(utilization float64) float64 {
	switch {
	case utilization <= 0:
		return baseRateHourly
	case utilization >= 1:
		return maxRateHourly
	case utilization <= optimalUtilization:
		frac := utilization / optimalUtilization
		return baseRateHourly + frac*(targetRateHourly-baseRateHourly)
	default:
		frac := (utilization - optimalUtilization) / (1 - optimalUtilization)
		return targetRateHourly + frac*(maxRateHourly-targetRateHourly)
	}
}

// impactFee is the size-scaled price-impact fee fraction, ported from
// calculate_impact_fee: size_usd/pool_liquidity * scalar, capped at 0.5%.
func impactFee(notionalUSD float64) float64 {
	if poolLiquidityUSD <= 0 {
		return 0
	}
	impact := notionalUSD / poolLiquidityUSD * impactScalar
	if impact > impactCapPct {
		impact = impactCapPct
	}
	return impact
}

// FeeBreakdown is the full round-trip fee estimate for a trade.
type FeeBreakdown struct {
	Open        float64
	Close       float64
	Borrow      float64
	ImpactOpen  float64
	ImpactClose float64
	Execution   float64
	Total       float64
}

// FullFees computes the expected total cost of opening, holding for
// hoursHeld at utilization, and closing a notionalUSD position, ported
// from compute_full_fees.
func FullFees(notionalUSD, hoursHeld, utilization float64) FeeBreakdown {
	open := notionalUSD * openFeeBps / 10_000
	close := notionalUSD * closeFeeBps / 10_000
	borrow := notionalUSD * BorrowRateHourly(utilization) * hoursHeld
	impactOpen := notionalUSD * impactFee(notionalUSD)
	impactClose := notionalUSD * impactFee(notionalUSD)
	execution := notionalUSD * executionPenalty * 2

	total := open + close + borrow + impactOpen + impactClose + execution
	return FeeBreakdown{
		Open:        open,
		Close:       close,
		Borrow:      borrow,
		ImpactOpen:  impactOpen,
		ImpactClose: impactClose,
		Execution:   execution,
		Total:       total,
	}
}

// MinimumWinPct is the hurdle rate: the minimum price move, as a percentage
// of notional, required for a round trip to be net-positive after fees.
func MinimumWinPct(notionalUSD, hoursHeld float64) float64 {
	fees := FullFees(notionalUSD, hoursHeld, 0.65)
	if notionalUSD <= 0 {
		return 0
	}
	return fees.Total / notionalUSD * 100
}
