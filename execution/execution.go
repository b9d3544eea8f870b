// Package execution implements the single funnel every intent passes
// through before touching the chain, ported from
// core/jupiter_perps/execution_service.py (spec.md §3, §4.2, §7). Every
// step — type admission, the risk gate, the live-control gate, the journal
// insert, and (in live mode) submit-and-confirm — runs in the documented
// order and every rejection is journaled before the caller ever sees it.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perpsd/intent"
	"perpsd/journal"
	"perpsd/livecontrol"
)

// Sentinel errors describing why execute did not reach confirmation.
// Execute returns ErrUnsupportedIntent (wrapped) as its error after
// journaling the rejection; every other rejection is reported via
// Result.Error so callers don't need to type switch, and the remaining
// sentinels are exposed for tests and for log-site classification.
var (
	ErrUnsupportedIntent   = errors.New("unsupported execution intent")
	ErrRiskGateRejected    = errors.New("risk gate rejected")
	ErrLiveControlRejected = errors.New("live control rejected")
	ErrBuilderFailed       = errors.New("transaction builder failed")
	ErrSubmitFailed        = errors.New("submit failed")
	ErrSubmitTimeout       = errors.New("submit timed out")
)

// RiskConfig holds the execution service's own bounds check, independent
// of and simpler than the cost gate: a hard kill switch plus absolute
// size/leverage ceilings (execution_service.py's module-level constants).
type RiskConfig struct {
	KillSwitch     bool
	MaxPositionUSD float64
	MaxLeverage    float64
}

// Builder turns an intent into an unsigned transaction.
type Builder interface {
	Build(ctx context.Context, in intent.ExecutionIntent, walletAddr, rpcURL string) ([]byte, error)
}

// Signer signs an unsigned transaction.
type Signer interface {
	Sign(unsignedTx []byte) ([]byte, error)
}

// Submitter sends a signed transaction and blocks until it confirms or the
// timeout elapses.
type Submitter interface {
	SendAndConfirm(ctx context.Context, signedTx []byte, timeout time.Duration) (signature string, slot int64, blockTime int64, err error)
}

// Result is the outcome reported back to whatever enqueued the intent.
type Result struct {
	IdempotencyKey   string
	IntentType       intent.Kind
	Success          bool
	TxSignature      string
	Slot             int64
	BlockTime        int64
	Error            string
	SkippedDuplicate bool
	DryRun           bool
}

// Service is the execution funnel.
type Service struct {
	journal   *journal.Journal
	live      *livecontrol.State
	builder   Builder
	signer    Signer
	submitter Submitter

	liveMode      bool
	walletAddress string
	rpcURL        string
	risk          RiskConfig
	submitTimeout time.Duration
}

// NewService wires the execution funnel's collaborators. live/signer/
// submitter may be nil when liveMode is false (dry run never reaches
// them).
func NewService(j *journal.Journal, live *livecontrol.State, builder Builder, signer Signer, submitter Submitter, liveMode bool, walletAddress, rpcURL string, risk RiskConfig, submitTimeout time.Duration) *Service {
	return &Service{
		journal:       j,
		live:          live,
		builder:       builder,
		signer:        signer,
		submitter:     submitter,
		liveMode:      liveMode,
		walletAddress: walletAddress,
		rpcURL:        rpcURL,
		risk:          risk,
		submitTimeout: submitTimeout,
	}
}

func isAllowedKind(k intent.Kind) bool {
	switch k {
	case intent.KindOpenPosition, intent.KindReducePosition, intent.KindClosePosition,
		intent.KindCreateTPSL, intent.KindCancelRequest, intent.KindNoop:
		return true
	}
	return false
}

func riskGate(risk RiskConfig, in intent.ExecutionIntent) error {
	if risk.KillSwitch {
		return fmt.Errorf("kill switch active")
	}
	if op, ok := in.(*intent.OpenPosition); ok {
		if op.SizeUSD > risk.MaxPositionUSD {
			return fmt.Errorf("size_usd %.2f exceeds max %.2f", op.SizeUSD, risk.MaxPositionUSD)
		}
		if op.Leverage > risk.MaxLeverage {
			return fmt.Errorf("leverage %.1fx exceeds max %.1fx", op.Leverage, risk.MaxLeverage)
		}
	}
	return nil
}

// Execute runs one intent through the full pipeline (spec.md §4.2): type
// admission, Noop short circuit, risk gate, live-control gate (live mode,
// OpenPosition only), journal insert with duplicate-skip, then either the
// dry-run terminal state or submit-and-confirm.
func (s *Service) Execute(ctx context.Context, in intent.ExecutionIntent) (Result, error) {
	key := in.Key()
	kind := in.IntentKind()

	if !isAllowedKind(kind) {
		err := fmt.Errorf("%w: %s", ErrUnsupportedIntent, kind)
		_ = s.journal.LogRejected(ctx, key, string(kind), in, err.Error())
		return Result{}, err
	}

	if kind == intent.KindNoop {
		return Result{IdempotencyKey: key, IntentType: kind, Success: true}, nil
	}

	if err := riskGate(s.risk, in); err != nil {
		reason := fmt.Sprintf("risk_gate: %s", err.Error())
		_ = s.journal.LogRejected(ctx, key, string(kind), in, reason)
		return Result{IdempotencyKey: key, IntentType: kind, Success: false, Error: reason}, nil
	}

	if s.liveMode {
		if _, ok := in.(*intent.OpenPosition); ok {
			if s.live == nil {
				reason := "live_control_unavailable"
				_ = s.journal.LogRejected(ctx, key, string(kind), in, reason)
				return Result{IdempotencyKey: key, IntentType: kind, Success: false, Error: reason}, nil
			}
			if err := s.live.CanOpenPosition(); err != nil {
				reason := fmt.Sprintf("live_control: %s", err.Error())
				_ = s.journal.LogRejected(ctx, key, string(kind), in, reason)
				return Result{IdempotencyKey: key, IntentType: kind, Success: false, Error: reason}, nil
			}
		}
	}

	inserted, err := s.journal.LogIntent(ctx, key, string(kind), in)
	if err != nil {
		return Result{}, fmt.Errorf("journal insert: %w", err)
	}
	if !inserted {
		_ = s.journal.MarkSkipped(ctx, key)
		return Result{IdempotencyKey: key, IntentType: kind, Success: true, SkippedDuplicate: true}, nil
	}

	if !s.liveMode {
		if err := s.journal.MarkSimulated(ctx, key); err != nil {
			return Result{}, err
		}
		return Result{IdempotencyKey: key, IntentType: kind, Success: true, DryRun: true}, nil
	}

	result, err := s.submitAndConfirm(ctx, in)
	if err != nil {
		errMsg := err.Error()
		_ = s.journal.MarkFailed(ctx, key, errMsg)
		return Result{IdempotencyKey: key, IntentType: kind, Success: false, Error: errMsg}, nil
	}

	if _, ok := in.(*intent.OpenPosition); ok && s.live != nil {
		_ = s.live.RecordOpenPosition()
	}
	return result, nil
}

func (s *Service) submitAndConfirm(ctx context.Context, in intent.ExecutionIntent) (Result, error) {
	key := in.Key()
	kind := in.IntentKind()

	unsigned, err := s.builder.Build(ctx, in, s.walletAddress, s.rpcURL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBuilderFailed, err)
	}

	signed, err := s.signer.Sign(unsigned)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBuilderFailed, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	signature, slot, blockTime, err := s.submitter.SendAndConfirm(submitCtx, signed, s.submitTimeout)
	if err != nil {
		if errors.Is(submitCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrSubmitTimeout, err)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	if err := s.journal.MarkSubmitted(ctx, key, signature); err != nil {
		return Result{}, err
	}
	if err := s.journal.MarkConfirmed(ctx, key, slot, blockTime); err != nil {
		return Result{}, err
	}

	return Result{
		IdempotencyKey: key,
		IntentType:     kind,
		Success:        true,
		TxSignature:    signature,
		Slot:           slot,
		BlockTime:      blockTime,
	}, nil
}

// Shutdown releases the journal handle. The service does not own the
// builder/signer/submitter/live-control collaborators' lifecycles.
func (s *Service) Shutdown() error {
	return s.journal.Close()
}
