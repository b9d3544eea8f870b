package pda

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOwner = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")

func TestDerivePerpetuals_Deterministic(t *testing.T) {
	a, err := DerivePerpetuals()
	require.NoError(t, err)
	b, err := DerivePerpetuals()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDerivePosition_RejectsOutOfRangeSlot(t *testing.T) {
	pool, err := DerivePool(JLPPoolName)
	require.NoError(t, err)
	custodies, err := GetAllCustodyPDAs(pool)
	require.NoError(t, err)

	_, err = DerivePosition(testOwner, pool, custodies["SOL"], "long", -1)
	assert.Error(t, err)

	_, err = DerivePosition(testOwner, pool, custodies["SOL"], "long", MaxPositionSlots)
	assert.Error(t, err)

	_, err = DerivePosition(testOwner, pool, custodies["SOL"], "long", MaxPositionSlots-1)
	assert.NoError(t, err)
}

func TestEnumerateAllPositionPDAs_CountsMatchSlotsTimesCustodies(t *testing.T) {
	pool, err := DerivePool(JLPPoolName)
	require.NoError(t, err)
	custodies, err := GetAllCustodyPDAs(pool)
	require.NoError(t, err)

	targets, err := EnumerateAllPositionPDAs(testOwner, pool, custodies, "long")
	require.NoError(t, err)
	assert.Len(t, targets, len(custodies)*MaxPositionSlots)
}

func TestBuildFullPDAMap_CoversBothSides(t *testing.T) {
	m, err := BuildFullPDAMap(testOwner.String())
	require.NoError(t, err)
	assert.Len(t, m.PositionPDAs, len(CustodyMints)*MaxPositionSlots*2)
}

func TestDerivePositionRequest_DiffersByCounter(t *testing.T) {
	a, err := DerivePositionRequest(testOwner, 0)
	require.NoError(t, err)
	b, err := DerivePositionRequest(testOwner, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
