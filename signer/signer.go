// Package signer loads the wallet keypair used to sign live transactions,
// ported from core/jupiter_perps/signer.py (spec.md §4.11). It never reads
// the keypair into the journal, logs, or any persisted state.
package signer

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Config names where the keypair material may be found. Exactly one of
// KeypairB58 or KeypairPath should be set; KeypairB58 wins if both are.
type Config struct {
	KeypairB58             string
	KeypairPath            string
	ExpectedWalletAddress string
}

// FromEnv reads PERPS_SIGNER_KEYPAIR_B58, falling back to
// PERPS_SIGNER_KEYPAIR_B58_FILE and the legacy PERPS_SIGNER_KEYPAIR_PATH,
// matching signer.py's lookup order.
func FromEnv(expectedWalletAddress string) Config {
	path := os.Getenv("PERPS_SIGNER_KEYPAIR_B58_FILE")
	if path == "" {
		path = os.Getenv("PERPS_SIGNER_KEYPAIR_PATH")
	}
	return Config{
		KeypairB58:             os.Getenv("PERPS_SIGNER_KEYPAIR_B58"),
		KeypairPath:            path,
		ExpectedWalletAddress:  expectedWalletAddress,
	}
}

// decodeKeypairMaterial accepts either a base58-encoded keypair/seed or a
// JSON integer array (the two formats signer.py accepts from base58 env
// vars and Solana CLI keypair files respectively).
func decodeKeypairMaterial(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty keypair material")
	}
	if strings.HasPrefix(raw, "[") {
		var values []int
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("decode keypair json array: %w", err)
		}
		out := make([]byte, len(values))
		for i, v := range values {
			out[i] = byte(v & 0xFF)
		}
		return out, nil
	}
	decoded, err := base58.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode base58 keypair: %w", err)
	}
	return decoded, nil
}

// Load decodes and validates the signer keypair per cfg. It accepts a
// 64-byte Ed25519 keypair or a 32-byte seed, matching Keypair.from_bytes /
// Keypair.from_seed in the original. If ExpectedWalletAddress is set, the
// derived public key must match exactly or Load fails loudly rather than
// silently signing with the wrong wallet.
func Load(cfg Config) (solana.PrivateKey, error) {
	var (
		material []byte
		err      error
	)
	switch {
	case cfg.KeypairB58 != "":
		material, err = decodeKeypairMaterial(cfg.KeypairB58)
	case cfg.KeypairPath != "":
		var data []byte
		data, err = os.ReadFile(cfg.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("read keypair file %s: %w", cfg.KeypairPath, err)
		}
		material, err = decodeKeypairMaterial(string(data))
	default:
		return nil, fmt.Errorf("live mode requires PERPS_SIGNER_KEYPAIR_B58 or PERPS_SIGNER_KEYPAIR_B58_FILE/PERPS_SIGNER_KEYPAIR_PATH")
	}
	if err != nil {
		return nil, err
	}

	var priv ed25519.PrivateKey
	switch len(material) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(material)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(material)
	default:
		return nil, fmt.Errorf("invalid keypair material length %d, expected %d or %d bytes", len(material), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	key := solana.PrivateKey(priv)
	if cfg.ExpectedWalletAddress != "" {
		actual := key.PublicKey().String()
		if actual != cfg.ExpectedWalletAddress {
			return nil, fmt.Errorf("loaded signer does not match configured wallet: expected=%s actual=%s", cfg.ExpectedWalletAddress, actual)
		}
	}
	return key, nil
}

// Signer wraps a loaded keypair to satisfy the execution service's Signer
// collaborator interface.
type Signer struct {
	key solana.PrivateKey
}

// New wraps an already-loaded private key.
func New(key solana.PrivateKey) *Signer {
	return &Signer{key: key}
}

// PublicKey returns the wallet address this signer signs for.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign signs unsignedTx, a serialized solana.Transaction, and returns the
// fully-signed wire bytes.
func (s *Signer) Sign(unsignedTx []byte) ([]byte, error) {
	tx, err := solana.TransactionFromBytes(unsignedTx)
	if err != nil {
		return nil, fmt.Errorf("parse unsigned transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx.MarshalBinary()
}
