// Package journal implements the two-tier, append-only event journal that
// is the source of truth for exactly-once intent execution (spec.md §3.2,
// §4.3). Schema and semantics are ported from
// core/jupiter_perps/event_journal.py: a local embedded SQLite store
// (authoritative, opened WAL-mode with a busy timeout) plus an optional
// best-effort networked replica. Local writes use INSERT-OR-IGNORE so a
// duplicate idempotency key returns zero rows inserted without a
// read-modify-write race — this is the exactly-once hinge the execution
// service depends on.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Status is a point in the event status DAG:
// pending -> {simulated, submitted -> confirmed | failed, failed, skipped}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSimulated Status = "simulated"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome is the terminal classification recorded in idempotency_log.
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomeSimulated       Outcome = "simulated"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeFailed          Outcome = "failed"
)

const localSchema = `
CREATE TABLE IF NOT EXISTS execution_events (
	key TEXT PRIMARY KEY,
	intent_type TEXT NOT NULL,
	status TEXT NOT NULL,
	intent_blob TEXT NOT NULL,
	tx_signature TEXT,
	slot INTEGER,
	block_time INTEGER,
	error_msg TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_log (
	key TEXT PRIMARY KEY,
	processed_at TEXT NOT NULL,
	outcome TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_positions TEXT NOT NULL,
	db_positions TEXT NOT NULL,
	discrepancies TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

// Event is one row of execution_events.
type Event struct {
	Key         string
	IntentType  string
	Status      Status
	IntentBlob  string
	TxSignature string
	Slot        int64
	BlockTime   int64
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProjectedPosition is one entry of the in-memory projection folded from
// confirmed+simulated open/reduce/close events (spec.md §4.3). Mode
// resolves Open Question #1 in SPEC_FULL.md §9 by tagging which kind of
// event last touched this PDA without changing the fold itself.
type ProjectedPosition struct {
	PDA     string
	Market  string
	Side    string
	SizeUSD float64
	Mode    string // "confirmed" or "simulated"
}

// Journal is the two-tier event journal. Local is authoritative; Remote is
// best-effort and its errors never propagate.
type Journal struct {
	local      *sql.DB
	remote     *sql.DB
	memoryOnly bool

	mu     sync.Mutex
	memory map[string]*Event // only populated when memoryOnly
}

// Open connects the local tier (WAL mode, busy timeout) and, if remoteDSN
// is non-empty, the remote tier using the "sqlite" driver registered by
// modernc.org/sqlite — the only database/sql driver in the corpus. Both
// tiers are always opened through that driver.
func Open(localPath, remoteDSN string) (*Journal, error) {
	if localPath == "" {
		log.Warn().Msg("⚠️ journal running in memory-only mode: no idempotency guarantee holds")
		return &Journal{memoryOnly: true, memory: make(map[string]*Event)}, nil
	}

	local, err := sql.Open("sqlite", localPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open local journal: %w", err)
	}
	if _, err := local.Exec(localSchema); err != nil {
		return nil, fmt.Errorf("init local journal schema: %w", err)
	}

	j := &Journal{local: local}

	if remoteDSN != "" {
		remote, err := sql.Open("sqlite", remoteDSN)
		if err != nil {
			log.Debug().Err(err).Msg("remote journal tier unavailable, continuing local-only")
		} else if _, err := remote.Exec(localSchema); err != nil {
			log.Debug().Err(err).Msg("remote journal schema init failed, continuing local-only")
		} else {
			j.remote = remote
		}
	}

	return j, nil
}

func (j *Journal) Close() error {
	if j.local != nil {
		j.local.Close()
	}
	if j.remote != nil {
		j.remote.Close()
	}
	return nil
}

// remoteExecSafe attempts a remote-tier write and swallows every error,
// logging at DEBUG (spec.md §4.3: "Failures to reach it are logged at
// DEBUG and never propagated").
func (j *Journal) remoteExecSafe(ctx context.Context, query string, args ...any) {
	if j.remote == nil {
		return
	}
	if _, err := j.remote.ExecContext(ctx, query, args...); err != nil {
		log.Debug().Err(err).Str("query", query).Msg("remote journal write failed")
	}
}

// LogIntent inserts a pending row for key if one doesn't already exist.
// Returns inserted=true for a new row, false if the key was a duplicate.
// In memory-only mode it always returns true (spec.md §4.3).
func (j *Journal) LogIntent(ctx context.Context, key, intentType string, blob any) (inserted bool, err error) {
	blobJSON, err := toJSON(blob)
	if err != nil {
		return false, err
	}
	now := nowRFC3339()

	if j.memoryOnly {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, exists := j.memory[key]; exists {
			return true, nil
		}
		j.memory[key] = &Event{Key: key, IntentType: intentType, Status: StatusPending, IntentBlob: blobJSON, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		return true, nil
	}

	res, err := j.local.ExecContext(ctx,
		`INSERT OR IGNORE INTO execution_events (key, intent_type, status, intent_blob, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key, intentType, string(StatusPending), blobJSON, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert execution_event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	j.remoteExecSafe(ctx,
		`INSERT OR IGNORE INTO execution_events (key, intent_type, status, intent_blob, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		key, intentType, string(StatusPending), blobJSON, now, now,
	)

	return n > 0, nil
}

// LogRejected records a risk-gate or live-control rejection as a failed
// row, using INSERT OR REPLACE since the key may not have been journaled
// yet (spec.md §4.2 step 2/3 rejections are journaled even though they
// happen before the normal pending-insert step).
func (j *Journal) LogRejected(ctx context.Context, key, intentType string, blob any, reason string) error {
	blobJSON, err := toJSON(blob)
	if err != nil {
		return err
	}
	now := nowRFC3339()

	if j.memoryOnly {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.memory[key] = &Event{Key: key, IntentType: intentType, Status: StatusFailed, IntentBlob: blobJSON, ErrorMsg: reason, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		return nil
	}

	_, err = j.local.ExecContext(ctx,
		`INSERT OR REPLACE INTO execution_events (key, intent_type, status, intent_blob, error_msg, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, intentType, string(StatusFailed), blobJSON, reason, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert rejected execution_event: %w", err)
	}
	j.remoteExecSafe(ctx,
		`INSERT OR REPLACE INTO execution_events (key, intent_type, status, intent_blob, error_msg, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, intentType, string(StatusFailed), blobJSON, reason, now, now,
	)
	j.logIdempotency(ctx, key, OutcomeFailed)
	return nil
}

func (j *Journal) logIdempotency(ctx context.Context, key string, outcome Outcome) {
	now := nowRFC3339()
	if j.memoryOnly {
		return
	}
	if _, err := j.local.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_log (key, processed_at, outcome) VALUES (?, ?, ?)`,
		key, now, string(outcome)); err != nil {
		log.Debug().Err(err).Msg("idempotency log write failed")
	}
	j.remoteExecSafe(ctx, `INSERT OR REPLACE INTO idempotency_log (key, processed_at, outcome) VALUES (?, ?, ?)`, key, now, string(outcome))
}

func (j *Journal) updateStatus(ctx context.Context, key string, status Status, fields map[string]any) error {
	now := nowRFC3339()

	if j.memoryOnly {
		j.mu.Lock()
		defer j.mu.Unlock()
		ev, ok := j.memory[key]
		if !ok {
			return fmt.Errorf("unknown journal key %q", key)
		}
		ev.Status = status
		ev.UpdatedAt = time.Now()
		applyFields(ev, fields)
		return nil
	}

	setClauses := "status = ?, updated_at = ?"
	args := []any{string(status), now}
	for col, val := range fields {
		setClauses += fmt.Sprintf(", %s = ?", col)
		args = append(args, val)
	}
	args = append(args, key)

	query := fmt.Sprintf(`UPDATE execution_events SET %s WHERE key = ?`, setClauses)
	if _, err := j.local.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update execution_event status: %w", err)
	}
	j.remoteExecSafe(ctx, query, args...)
	return nil
}

func applyFields(ev *Event, fields map[string]any) {
	for col, val := range fields {
		switch col {
		case "tx_signature":
			ev.TxSignature, _ = val.(string)
		case "slot":
			ev.Slot, _ = toInt64(val)
		case "block_time":
			ev.BlockTime, _ = toInt64(val)
		case "error_msg":
			ev.ErrorMsg, _ = val.(string)
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

// MarkSimulated transitions key to simulated (dry-run terminal state).
func (j *Journal) MarkSimulated(ctx context.Context, key string) error {
	if err := j.updateStatus(ctx, key, StatusSimulated, nil); err != nil {
		return err
	}
	j.logIdempotency(ctx, key, OutcomeSimulated)
	return nil
}

// MarkSubmitted transitions key to submitted with a tx signature.
func (j *Journal) MarkSubmitted(ctx context.Context, key, signature string) error {
	return j.updateStatus(ctx, key, StatusSubmitted, map[string]any{"tx_signature": signature})
}

// MarkConfirmed transitions key to confirmed with slot/block time.
func (j *Journal) MarkConfirmed(ctx context.Context, key string, slot, blockTime int64) error {
	if err := j.updateStatus(ctx, key, StatusConfirmed, map[string]any{"slot": slot, "block_time": blockTime}); err != nil {
		return err
	}
	j.logIdempotency(ctx, key, OutcomeExecuted)
	return nil
}

// MarkFailed transitions key to failed with a truncated error message.
func (j *Journal) MarkFailed(ctx context.Context, key, errMsg string) error {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	if err := j.updateStatus(ctx, key, StatusFailed, map[string]any{"error_msg": errMsg}); err != nil {
		return err
	}
	j.logIdempotency(ctx, key, OutcomeFailed)
	return nil
}

// MarkSkipped transitions key to skipped (duplicate idempotency key).
func (j *Journal) MarkSkipped(ctx context.Context, key string) error {
	if err := j.updateStatus(ctx, key, StatusSkipped, nil); err != nil {
		return err
	}
	j.logIdempotency(ctx, key, OutcomeSkippedDuplicate)
	return nil
}

// RecordReconciliationFailure appends a discrepancy row.
func (j *Journal) RecordReconciliationFailure(ctx context.Context, chainPositions, dbPositions, discrepancies any) error {
	chainJSON, err := toJSON(chainPositions)
	if err != nil {
		return err
	}
	dbJSON, err := toJSON(dbPositions)
	if err != nil {
		return err
	}
	discJSON, err := toJSON(discrepancies)
	if err != nil {
		return err
	}
	if j.memoryOnly {
		return nil
	}
	_, err = j.local.ExecContext(ctx,
		`INSERT INTO reconciliation_failures (chain_positions, db_positions, discrepancies, resolved, created_at) VALUES (?, ?, ?, 0, ?)`,
		chainJSON, dbJSON, discJSON, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("record reconciliation failure: %w", err)
	}
	j.remoteExecSafe(ctx,
		`INSERT INTO reconciliation_failures (chain_positions, db_positions, discrepancies, resolved, created_at) VALUES (?, ?, ?, 0, ?)`,
		chainJSON, dbJSON, discJSON, nowRFC3339(),
	)
	return nil
}

// GetProjectedPositions replays confirmed+simulated open/reduce/close
// events in insertion order, folding them into a {pda -> position} map.
// This projection is consumed by reconciliation only; it is never treated
// as chain truth (spec.md §4.3, §4.7).
func (j *Journal) GetProjectedPositions(ctx context.Context) (map[string]ProjectedPosition, error) {
	projection := make(map[string]ProjectedPosition)

	if j.memoryOnly {
		j.mu.Lock()
		defer j.mu.Unlock()
		// memory mode has no ordering guarantee beyond map iteration; fine
		// for tests, documented as a limitation of memory-only mode.
		for _, ev := range j.memory {
			foldEvent(projection, ev)
		}
		return projection, nil
	}

	rows, err := j.local.QueryContext(ctx,
		`SELECT key, intent_type, status, intent_blob FROM execution_events
		 WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(StatusConfirmed), string(StatusSimulated),
	)
	if err != nil {
		return nil, fmt.Errorf("query projected positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev Event
		var status string
		if err := rows.Scan(&ev.Key, &ev.IntentType, &status, &ev.IntentBlob); err != nil {
			return nil, err
		}
		ev.Status = Status(status)
		foldEvent(projection, &ev)
	}
	return projection, rows.Err()
}

// foldEvent applies one open/reduce/close event onto the projection map.
func foldEvent(projection map[string]ProjectedPosition, ev *Event) {
	mode := "confirmed"
	if ev.Status == StatusSimulated {
		mode = "simulated"
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(ev.IntentBlob), &blob); err != nil {
		return
	}

	switch ev.IntentType {
	case "open_position":
		pda, _ := blob["position_pda"].(string)
		if pda == "" {
			pda = ev.Key // open events may not carry a PDA yet pre-confirmation; key stands in
		}
		projection[pda] = ProjectedPosition{
			PDA:     pda,
			Market:  stringField(blob, "market"),
			Side:    stringField(blob, "side"),
			SizeUSD: floatField(blob, "size_usd"),
			Mode:    mode,
		}
	case "reduce_position":
		pda := stringField(blob, "position_pda")
		pos, ok := projection[pda]
		if !ok {
			return
		}
		pos.SizeUSD -= floatField(blob, "reduce_size_usd")
		if pos.SizeUSD <= 0 {
			delete(projection, pda)
			return
		}
		pos.Mode = mode
		projection[pda] = pos
	case "close_position":
		pda := stringField(blob, "position_pda")
		delete(projection, pda)
	}
}

func stringField(blob map[string]any, key string) string {
	v, _ := blob[key].(string)
	return v
}

func floatField(blob map[string]any, key string) float64 {
	v, ok := blob[key].(float64)
	if !ok {
		return 0
	}
	return v
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal journal payload: %w", err)
	}
	return string(b), nil
}

func nowRFC3339() string {
	// Fixed-width nanoseconds so that ORDER BY created_at sorts
	// chronologically (RFC3339Nano trims trailing zeros).
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
