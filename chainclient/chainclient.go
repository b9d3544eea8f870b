// Package chainclient is the thin collaborator boundary between the
// execution/reconciliation core and the Solana RPC surface, ported from
// core/jupiter_perps/rpc_submit.py's send_and_confirm_transaction and the
// getMultipleAccounts batching in reconciliation.py (spec.md §4.7, §4.11).
// Everything above this package talks to the ChainClient interface; a
// deterministic fake stands in for it in tests.
package chainclient

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// AccountInfo is one getMultipleAccounts result slot. Exists is false when
// the account has not been created on chain (a nil RPC result).
type AccountInfo struct {
	PDA    solana.PublicKey
	Exists bool
	Owner  solana.PublicKey
	Data   []byte
}

// SignatureStatus mirrors the fields rpc_submit.py's confirmation poll
// inspects: whether the cluster has recorded an error, and how confirmed
// the signature currently is.
type SignatureStatus struct {
	Slot               uint64
	ConfirmationStatus string // "processed" | "confirmed" | "finalized" | ""
	Err                string // non-empty if the cluster recorded a tx error
	Found              bool
}

// TransactionInfo is the subset of get_transaction this runtime needs.
type TransactionInfo struct {
	Slot      uint64
	BlockTime int64
}

// ChainClient is the full RPC surface the core depends on (spec.md §4.11).
type ChainClient interface {
	GetMultipleAccounts(ctx context.Context, pdas []solana.PublicKey) ([]AccountInfo, error)
	SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]SignatureStatus, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionInfo, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// RPCClient is the gagliardetto/solana-go-backed ChainClient implementation
// used outside of tests.
type RPCClient struct {
	rpc       *rpc.Client
	batchSize int
}

// NewRPCClient dials rpcURL. batchSize caps how many pubkeys go in one
// getMultipleAccounts call (reconciliation.py's fetch_multiple_accounts
// defaults to 100).
func NewRPCClient(rpcURL string) *RPCClient {
	return &RPCClient{rpc: rpc.New(rpcURL), batchSize: 100}
}

func (c *RPCClient) GetMultipleAccounts(ctx context.Context, pdas []solana.PublicKey) ([]AccountInfo, error) {
	out := make([]AccountInfo, 0, len(pdas))
	for start := 0; start < len(pdas); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pdas) {
			end = len(pdas)
		}
		batch := pdas[start:end]

		resp, err := c.rpc.GetMultipleAccountsWithOpts(ctx, batch, &rpc.GetMultipleAccountsOpts{
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, fmt.Errorf("get_multiple_accounts batch [%d:%d]: %w", start, end, err)
		}
		for i, acc := range resp.Value {
			info := AccountInfo{PDA: batch[i]}
			if acc != nil {
				info.Exists = true
				info.Owner = acc.Owner
				if acc.Data != nil {
					info.Data = acc.Data.GetBinary()
				}
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode signed transaction: %w", err)
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          uintPtr(3),
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send_raw_transaction: %w", err)
	}
	return sig, nil
}

func (c *RPCClient) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]SignatureStatus, error) {
	resp, err := c.rpc.GetSignatureStatuses(ctx, true, sigs...)
	if err != nil {
		return nil, fmt.Errorf("get_signature_statuses: %w", err)
	}
	out := make([]SignatureStatus, len(sigs))
	for i, v := range resp.Value {
		if v == nil {
			continue
		}
		status := SignatureStatus{Slot: v.Slot, Found: true}
		if v.ConfirmationStatus != "" {
			status.ConfirmationStatus = string(v.ConfirmationStatus)
		}
		if v.Err != nil {
			status.Err = fmt.Sprintf("%v", v.Err)
		}
		out[i] = status
	}
	return out, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionInfo, error) {
	maxVersion := uint64(0)
	resp, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get_transaction: %w", err)
	}
	info := &TransactionInfo{Slot: resp.Slot}
	if resp.BlockTime != nil {
		info.BlockTime = int64(*resp.BlockTime)
	}
	return info, nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	resp, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get_latest_blockhash: %w", err)
	}
	return resp.Value.Blockhash, nil
}

func uintPtr(v uint) *uint { return &v }

// SendAndConfirm sends signedTx and polls for confirmation every second up
// to timeout, ported verbatim from rpc_submit.py's
// send_and_confirm_transaction. It returns the confirmed signature, slot,
// and (when available) block time.
func SendAndConfirm(ctx context.Context, client ChainClient, signedTx []byte, timeout time.Duration) (signature string, slot int64, blockTime int64, err error) {
	sig, err := client.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return "", 0, 0, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		statuses, err := client.GetSignatureStatuses(ctx, []solana.Signature{sig})
		if err != nil {
			return "", 0, 0, fmt.Errorf("poll signature status: %w", err)
		}
		if len(statuses) > 0 && statuses[0].Found {
			status := statuses[0]
			if status.Err != "" {
				return "", 0, 0, fmt.Errorf("transaction failed: %s", status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				blockTime := int64(0)
				if txInfo, err := client.GetTransaction(ctx, sig); err == nil && txInfo != nil {
					blockTime = txInfo.BlockTime
				}
				return sig.String(), int64(status.Slot), blockTime, nil
			}
		}

		if time.Now().After(deadline) {
			return "", 0, 0, fmt.Errorf("timed out waiting for confirmation of %s after %s", sig.String(), timeout)
		}

		select {
		case <-ctx.Done():
			return "", 0, 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Submitter adapts a ChainClient to the execution service's Submitter
// collaborator interface.
type Submitter struct {
	Client ChainClient
}

func (s Submitter) SendAndConfirm(ctx context.Context, signedTx []byte, timeout time.Duration) (string, int64, int64, error) {
	return SendAndConfirm(ctx, s.Client, signedTx, timeout)
}

// FakeClient is a deterministic in-memory ChainClient used by tests. It
// never performs network I/O.
type FakeClient struct {
	Accounts       map[string]AccountInfo // keyed by base58 PDA
	SubmittedTx    [][]byte
	NextSignature  solana.Signature
	StatusSequence []SignatureStatus // consumed one per GetSignatureStatuses call
	StatusIndex    int
	LatestBlockhash solana.Hash
}

// NewFakeClient returns an empty fake with no accounts and an immediately
// finalized status sequence.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Accounts: make(map[string]AccountInfo),
		StatusSequence: []SignatureStatus{
			{Slot: 1, ConfirmationStatus: "finalized", Found: true},
		},
	}
}

func (f *FakeClient) GetMultipleAccounts(ctx context.Context, pdas []solana.PublicKey) ([]AccountInfo, error) {
	out := make([]AccountInfo, 0, len(pdas))
	for _, pda := range pdas {
		if info, ok := f.Accounts[pda.String()]; ok {
			out = append(out, info)
		} else {
			out = append(out, AccountInfo{PDA: pda, Exists: false})
		}
	}
	return out, nil
}

func (f *FakeClient) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	f.SubmittedTx = append(f.SubmittedTx, bytes.Clone(raw))
	return f.NextSignature, nil
}

func (f *FakeClient) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]SignatureStatus, error) {
	out := make([]SignatureStatus, len(sigs))
	if f.StatusIndex < len(f.StatusSequence) {
		for i := range out {
			out[i] = f.StatusSequence[f.StatusIndex]
		}
		f.StatusIndex++
	}
	return out, nil
}

func (f *FakeClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionInfo, error) {
	return &TransactionInfo{Slot: 1, BlockTime: 1700000000}, nil
}

func (f *FakeClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return f.LatestBlockhash, nil
}
