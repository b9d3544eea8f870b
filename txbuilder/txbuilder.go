// Package txbuilder defines the Intent-to-unsigned-transaction collaborator
// boundary (spec.md §6.1). This is explicitly a black box in the original:
// building a Jupiter Perps instruction requires the program's generated
// Anchor client bindings (original_source's client/ subtree and
// scripts/gen_client.py), which are neither vendored nor fabricated here.
// Production deployments supply a real Builder wired to those bindings;
// cmd/perpsd wires UnimplementedBuilder, and StubBuilder returns a fixed
// payload.
package txbuilder

import (
	"context"
	"errors"
	"fmt"

	"perpsd/intent"
)

// Builder turns an ExecutionIntent into an unsigned, serialized Solana
// transaction ready for signer.Signer.Sign.
type Builder interface {
	Build(ctx context.Context, in intent.ExecutionIntent, walletAddress, rpcURL string) ([]byte, error)
}

// ErrBindingsRequired is returned by UnimplementedBuilder for every intent:
// live submission needs the generated Jupiter Perps Anchor client this port
// does not carry.
var ErrBindingsRequired = errors.New("transaction builder requires generated Jupiter Perps Anchor bindings, none vendored in this build")

// UnimplementedBuilder always fails with ErrBindingsRequired. It exists so
// a runner can be wired end to end in dry-run mode (where Build is never
// reached) without a nil Builder panicking the live-mode path.
type UnimplementedBuilder struct{}

func (UnimplementedBuilder) Build(ctx context.Context, in intent.ExecutionIntent, walletAddress, rpcURL string) ([]byte, error) {
	return nil, fmt.Errorf("%w: intent=%s", ErrBindingsRequired, in.IntentKind())
}

// StubBuilder returns a fixed byte payload regardless of intent, for
// exercising the execution pipeline's signing/submission plumbing without
// a real program client.
type StubBuilder struct {
	Payload []byte
}

func (b StubBuilder) Build(ctx context.Context, in intent.ExecutionIntent, walletAddress, rpcURL string) ([]byte, error) {
	if len(b.Payload) == 0 {
		return nil, fmt.Errorf("stub builder has no payload configured")
	}
	return b.Payload, nil
}
