package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenPosition_Bounds(t *testing.T) {
	op, err := NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 5, 100)
	require.NoError(t, err)
	assert.InDelta(t, 500, op.SizeUSD, 0.0001)
	assert.GreaterOrEqual(t, op.SizeUSD, MinPositionUSD)
	assert.LessOrEqual(t, op.SizeUSD, MaxPositionUSD)
	assert.GreaterOrEqual(t, op.Leverage, MinLeverage)
	assert.LessOrEqual(t, op.Leverage, MaxLeverage)
	assert.True(t, SupportedMarkets[op.Market])
}

func TestNewOpenPosition_RejectsUnsupportedMarket(t *testing.T) {
	_, err := NewOpenPosition("DOGE-USD", SideLong, CollateralUSDC, 100, 5, 100)
	require.Error(t, err)
	var invalid *InvalidIntentError
	assert.ErrorAs(t, err, &invalid)
}

func TestNewOpenPosition_RejectsLeverageOutOfRange(t *testing.T) {
	_, err := NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 101, 100)
	require.Error(t, err)

	_, err = NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 0.5, 100)
	require.Error(t, err)
}

func TestNewOpenPosition_RejectsSizeOutOfRange(t *testing.T) {
	// collateral*leverage = 5 < MinPositionUSD
	_, err := NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 5, 1, 100)
	require.Error(t, err)

	// collateral*leverage = 2,000,000 > MaxPositionUSD
	_, err = NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 20000, 100, 100)
	require.Error(t, err)
}

func TestNewOpenPosition_RejectsBadSlippage(t *testing.T) {
	_, err := NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 5, -1)
	require.Error(t, err)

	_, err = NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 5, 10001)
	require.Error(t, err)
}

func TestNewReducePosition_RequiresPositiveSize(t *testing.T) {
	_, err := NewReducePosition("pda1", 0, 100)
	require.Error(t, err)

	rp, err := NewReducePosition("pda1", 50, 100)
	require.NoError(t, err)
	assert.Equal(t, "pda1", rp.PositionPDA)
}

func TestNewCreateTPSL_Invariants(t *testing.T) {
	_, err := NewCreateTPSL("pda1", 0, true, true, 0)
	require.Error(t, err)

	_, err = NewCreateTPSL("pda1", 100, true, false, 0)
	require.Error(t, err, "size_usd must be > 0 when not entire_position")

	tpsl, err := NewCreateTPSL("pda1", 100, true, true, 0)
	require.NoError(t, err)
	assert.True(t, tpsl.EntirePosition)
}

func TestIdempotencyKeysAreUnique(t *testing.T) {
	a := NewNoop()
	b := NewNoop()
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestEveryVariantExposesStableKind(t *testing.T) {
	op, _ := NewOpenPosition("SOL-USD", SideLong, CollateralUSDC, 100, 5, 100)
	rp, _ := NewReducePosition("pda", 10, 100)
	cp := NewClosePosition("pda", 100)
	tpsl, _ := NewCreateTPSL("pda", 100, true, true, 0)
	cr := NewCancelRequest("pda")
	noop := NewNoop()

	assert.Equal(t, KindOpenPosition, op.IntentKind())
	assert.Equal(t, KindReducePosition, rp.IntentKind())
	assert.Equal(t, KindClosePosition, cp.IntentKind())
	assert.Equal(t, KindCreateTPSL, tpsl.IntentKind())
	assert.Equal(t, KindCancelRequest, cr.IntentKind())
	assert.Equal(t, KindNoop, noop.IntentKind())
}

func TestNormalize_LegacyOpenPositionPayload(t *testing.T) {
	// Legacy payload: collateral_usd (not collateral_amount_usd), no
	// size_usd, no collateral_mint. Matches spec.md §8 round-trip law.
	payload := []byte(`{
		"action": "open_position",
		"market": "sol-usd",
		"side": "LONG",
		"collateral_usd": 100,
		"leverage": 5
	}`)

	parsed, err := Normalize(payload)
	require.NoError(t, err)

	op, ok := parsed.(*OpenPosition)
	require.True(t, ok)
	assert.Equal(t, "SOL-USD", op.Market)
	assert.Equal(t, SideLong, op.Side)
	assert.Equal(t, CollateralUSDC, op.CollateralMint)
	assert.InDelta(t, 500, op.SizeUSD, 0.0001)
}

func TestNormalize_RejectsUnsupportedIntentType(t *testing.T) {
	_, err := Normalize([]byte(`{"intent_type": "teleport"}`))
	require.Error(t, err)
}

func TestNormalize_Noop(t *testing.T) {
	parsed, err := Normalize([]byte(`{"intent_type": "noop"}`))
	require.NoError(t, err)
	assert.Equal(t, KindNoop, parsed.IntentKind())
}
