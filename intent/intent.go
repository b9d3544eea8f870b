// Package intent defines the six-variant execution intent model with
// construction-time invariant enforcement. Ported from
// core/jupiter_perps/intent.py, expressed as a Go sum type: one struct per
// variant plus a discriminated ExecutionIntent interface instead of a
// Python Union.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the stable string discriminant persisted alongside every intent.
type Kind string

const (
	KindOpenPosition   Kind = "open_position"
	KindReducePosition Kind = "reduce_position"
	KindClosePosition  Kind = "close_position"
	KindCreateTPSL     Kind = "create_tpsl"
	KindCancelRequest  Kind = "cancel_request"
	KindNoop           Kind = "noop"
)

// Side is a position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// CollateralMint enumerates the supported collateral mints.
type CollateralMint string

const (
	CollateralSOL  CollateralMint = "SOL"
	CollateralUSDC CollateralMint = "USDC"
	CollateralUSDT CollateralMint = "USDT"
)

// Bounds shared across variants, ported verbatim from intent.py.
const (
	MinLeverage     = 1.0
	MaxLeverage     = 100.0
	MinPositionUSD  = 10.0
	MaxPositionUSD  = 1_000_000.0
	MaxSlippageBps  = 10_000
)

// SupportedMarkets is the frozen set of tradable markets.
var SupportedMarkets = map[string]bool{
	"SOL-USD":  true,
	"BTC-USD":  true,
	"ETH-USD":  true,
	"JLP-USD":  true,
	"BONK-USD": true,
}

// InvalidIntentError is raised at construction time when a variant's
// invariants are violated. It is a producer-side error: the intent never
// enters the bus (spec.md §7: "Producer-side; rejected before entering the
// bus; audited.").
type InvalidIntentError struct {
	Reason string
}

func (e *InvalidIntentError) Error() string {
	return fmt.Sprintf("invalid intent: %s", e.Reason)
}

// NewIdempotencyKey returns a fresh UUIDv4 string.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// ExecutionIntent is implemented by all six variants.
type ExecutionIntent interface {
	IntentKind() Kind
	Key() string
	CreatedAtNanos() int64
}

type base struct {
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAt      int64  `json:"created_at_ns"`
}

func newBase() base {
	return base{IdempotencyKey: NewIdempotencyKey(), CreatedAt: time.Now().UnixNano()}
}

func (b base) Key() string            { return b.IdempotencyKey }
func (b base) CreatedAtNanos() int64  { return b.CreatedAt }

// OpenPosition opens a new leveraged position.
type OpenPosition struct {
	base
	Market         string         `json:"market"`
	Side           Side           `json:"side"`
	CollateralMint CollateralMint `json:"collateral_mint"`
	CollateralUSD  float64        `json:"collateral_amount_usd"`
	Leverage       float64        `json:"leverage"`
	SizeUSD        float64        `json:"size_usd"`
	MaxSlippageBps int            `json:"max_slippage_bps"`
}

func (OpenPosition) IntentKind() Kind { return KindOpenPosition }

// NewOpenPosition validates all OpenPosition invariants at construction
// time, matching intent.py's __post_init__ checks exactly.
func NewOpenPosition(market string, side Side, mint CollateralMint, collateralUSD, leverage float64, maxSlippageBps int) (*OpenPosition, error) {
	if !SupportedMarkets[market] {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("unsupported market %q", market)}
	}
	if side != SideLong && side != SideShort {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("invalid side %q", side)}
	}
	if mint != CollateralSOL && mint != CollateralUSDC && mint != CollateralUSDT {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("invalid collateral mint %q", mint)}
	}
	if collateralUSD <= 0 {
		return nil, &InvalidIntentError{Reason: "collateral_usd must be > 0"}
	}
	if leverage < MinLeverage || leverage > MaxLeverage {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("leverage %v out of range [%v,%v]", leverage, MinLeverage, MaxLeverage)}
	}
	sizeUSD := collateralUSD * leverage
	if sizeUSD < MinPositionUSD || sizeUSD > MaxPositionUSD {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("size_usd %v out of range [%v,%v]", sizeUSD, MinPositionUSD, MaxPositionUSD)}
	}
	if maxSlippageBps < 0 || maxSlippageBps > MaxSlippageBps {
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("max_slippage_bps %d out of range", maxSlippageBps)}
	}
	return &OpenPosition{
		base:           newBase(),
		Market:         market,
		Side:           side,
		CollateralMint: mint,
		CollateralUSD:  collateralUSD,
		Leverage:       leverage,
		SizeUSD:        sizeUSD,
		MaxSlippageBps: maxSlippageBps,
	}, nil
}

// ReducePosition partially closes an existing position.
type ReducePosition struct {
	base
	PositionPDA    string  `json:"position_pda"`
	ReduceSizeUSD  float64 `json:"reduce_size_usd"`
	MaxSlippageBps int     `json:"max_slippage_bps"`
}

func (ReducePosition) IntentKind() Kind { return KindReducePosition }

func NewReducePosition(positionPDA string, reduceSizeUSD float64, maxSlippageBps int) (*ReducePosition, error) {
	if reduceSizeUSD <= 0 {
		return nil, &InvalidIntentError{Reason: "reduce_size_usd must be > 0"}
	}
	return &ReducePosition{base: newBase(), PositionPDA: positionPDA, ReduceSizeUSD: reduceSizeUSD, MaxSlippageBps: maxSlippageBps}, nil
}

// ClosePosition fully closes an existing position.
type ClosePosition struct {
	base
	PositionPDA    string `json:"position_pda"`
	MaxSlippageBps int    `json:"max_slippage_bps"`
}

func (ClosePosition) IntentKind() Kind { return KindClosePosition }

func NewClosePosition(positionPDA string, maxSlippageBps int) *ClosePosition {
	return &ClosePosition{base: newBase(), PositionPDA: positionPDA, MaxSlippageBps: maxSlippageBps}
}

// CreateTPSL creates an on-chain take-profit/stop-loss trigger order.
type CreateTPSL struct {
	base
	PositionPDA          string  `json:"position_pda"`
	TriggerPrice         float64 `json:"trigger_price"`
	TriggerAboveThreshold bool   `json:"trigger_above_threshold"`
	EntirePosition       bool    `json:"entire_position"`
	SizeUSD              float64 `json:"size_usd"`
}

func (CreateTPSL) IntentKind() Kind { return KindCreateTPSL }

func NewCreateTPSL(positionPDA string, triggerPrice float64, triggerAbove, entirePosition bool, sizeUSD float64) (*CreateTPSL, error) {
	if triggerPrice <= 0 {
		return nil, &InvalidIntentError{Reason: "trigger_price must be > 0"}
	}
	if !entirePosition && sizeUSD <= 0 {
		return nil, &InvalidIntentError{Reason: "size_usd must be > 0 when not entire_position"}
	}
	return &CreateTPSL{
		base:                  newBase(),
		PositionPDA:           positionPDA,
		TriggerPrice:          triggerPrice,
		TriggerAboveThreshold: triggerAbove,
		EntirePosition:        entirePosition,
		SizeUSD:               sizeUSD,
	}, nil
}

// CancelRequest cancels a pending on-chain request.
type CancelRequest struct {
	base
	RequestPDA string `json:"request_pda"`
}

func (CancelRequest) IntentKind() Kind { return KindCancelRequest }

func NewCancelRequest(requestPDA string) *CancelRequest {
	return &CancelRequest{base: newBase(), RequestPDA: requestPDA}
}

// Noop is used purely for liveness (the 2s micro-loop heartbeat).
type Noop struct {
	base
}

func (Noop) IntentKind() Kind { return KindNoop }

func NewNoop() *Noop {
	return &Noop{base: newBase()}
}
