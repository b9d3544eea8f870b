// Package pda implements deterministic program-derived-address arithmetic
// for the Jupiter-Perps-style on-chain program, ported verbatim from
// core/jupiter_perps/pda.py. It has no I/O: every function is pure address
// arithmetic over github.com/gagliardetto/solana-go, which the reconciliation
// loop uses to enumerate the accounts it must fetch (spec.md §4.7 step 1).
package pda

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// JupiterPerpsProgramID is the mainnet Jupiter Perps Anchor program address.
const JupiterPerpsProgramID = "PERPHjGBqRHArX4DySjwM6UJHiR3sWAatqfdBS2qQJu"

// JLPPoolName is the sole supported pool name.
const JLPPoolName = "JLP"

// MaxPositionSlots is the number of concurrent position slots per
// (owner, custody, side) combination Jupiter Perps supports.
const MaxPositionSlots = 9

// CustodyMints maps a supported symbol to its mainnet custody token mint.
var CustodyMints = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"BTC":  "9n4nbM75f5Ui33ZbPYXn59EwSgE8CGsHtAeTH5YFeJ9E",
	"ETH":  "7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
}

var (
	sideLongSeed  = []byte{0x00}
	sideShortSeed = []byte{0x01}
)

func programID() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(JupiterPerpsProgramID)
}

func sideSeed(side string) []byte {
	if side == "short" {
		return sideShortSeed
	}
	return sideLongSeed
}

// DerivePerpetuals derives the singleton Perpetuals config account PDA.
func DerivePerpetuals() (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("perpetuals")}, programID())
	return pda, err
}

// DerivePool derives the pool PDA for poolName (default JLPPoolName).
func DerivePool(poolName string) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("pool"), []byte(poolName)}, programID())
	return pda, err
}

// DeriveCustody derives the custody account PDA for a token mint within a pool.
func DeriveCustody(poolPDA solana.PublicKey, custodyMint string) (solana.PublicKey, error) {
	mintKey, err := solana.PublicKeyFromBase58(custodyMint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("parse custody mint: %w", err)
	}
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("custody"), poolPDA.Bytes(), mintKey.Bytes()}, programID())
	return pda, err
}

// DerivePosition derives the Position account PDA for a specific slot (0-8).
func DerivePosition(owner, poolPDA, custodyPDA solana.PublicKey, side string, slot int) (solana.PublicKey, error) {
	if slot < 0 || slot >= MaxPositionSlots {
		return solana.PublicKey{}, fmt.Errorf("position slot must be 0-%d, got %d", MaxPositionSlots-1, slot)
	}
	seeds := [][]byte{
		[]byte("position"),
		owner.Bytes(),
		poolPDA.Bytes(),
		custodyPDA.Bytes(),
		sideSeed(side),
		{byte(slot)},
	}
	pda, _, err := solana.FindProgramAddress(seeds, programID())
	return pda, err
}

// PositionTarget is one enumerated candidate Position PDA.
type PositionTarget struct {
	PDA           solana.PublicKey
	Slot          int
	Side          string
	CustodySymbol string
}

// EnumerateAllPositionPDAs enumerates all MaxPositionSlots Position PDAs
// for every custody in custodyPDAs, for the given side.
func EnumerateAllPositionPDAs(owner, poolPDA solana.PublicKey, custodyPDAs map[string]solana.PublicKey, side string) ([]PositionTarget, error) {
	results := make([]PositionTarget, 0, len(custodyPDAs)*MaxPositionSlots)
	for symbol, custodyPDA := range custodyPDAs {
		for slot := 0; slot < MaxPositionSlots; slot++ {
			target, err := DerivePosition(owner, poolPDA, custodyPDA, side, slot)
			if err != nil {
				return nil, err
			}
			results = append(results, PositionTarget{PDA: target, Slot: slot, Side: side, CustodySymbol: symbol})
		}
	}
	return results, nil
}

// DerivePositionRequest derives a PositionRequest PDA for a pending
// open/close order, keyed by a monotonically increasing counter.
func DerivePositionRequest(owner solana.PublicKey, counter uint64) (solana.PublicKey, error) {
	counterBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		counterBytes[i] = byte(counter >> (8 * i))
	}
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("position_request"), owner.Bytes(), counterBytes}, programID())
	return pda, err
}

// GetAllCustodyPDAs returns every custody PDA for the JLP pool.
func GetAllCustodyPDAs(poolPDA solana.PublicKey) (map[string]solana.PublicKey, error) {
	out := make(map[string]solana.PublicKey, len(CustodyMints))
	for symbol, mint := range CustodyMints {
		pda, err := DeriveCustody(poolPDA, mint)
		if err != nil {
			return nil, err
		}
		out[symbol] = pda
	}
	return out, nil
}

// FullPDAMap is the complete set of addresses the reconciliation loop needs.
type FullPDAMap struct {
	Perpetuals    solana.PublicKey
	Pool          solana.PublicKey
	Custodies     map[string]solana.PublicKey
	PositionPDAs  []PositionTarget
}

// BuildFullPDAMap builds the complete PDA map for a wallet, used by the
// reconciliation loop at the start of every cycle.
func BuildFullPDAMap(ownerAddress string) (FullPDAMap, error) {
	owner, err := solana.PublicKeyFromBase58(ownerAddress)
	if err != nil {
		return FullPDAMap{}, fmt.Errorf("parse owner address: %w", err)
	}

	perpetuals, err := DerivePerpetuals()
	if err != nil {
		return FullPDAMap{}, err
	}
	pool, err := DerivePool(JLPPoolName)
	if err != nil {
		return FullPDAMap{}, err
	}
	custodies, err := GetAllCustodyPDAs(pool)
	if err != nil {
		return FullPDAMap{}, err
	}

	var positions []PositionTarget
	for _, side := range []string{"long", "short"} {
		targets, err := EnumerateAllPositionPDAs(owner, pool, custodies, side)
		if err != nil {
			return FullPDAMap{}, err
		}
		positions = append(positions, targets...)
	}

	return FullPDAMap{Perpetuals: perpetuals, Pool: pool, Custodies: custodies, PositionPDAs: positions}, nil
}
