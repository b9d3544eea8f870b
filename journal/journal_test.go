package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "events.sqlite"), "")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestLogIntent_DuplicateKeyYieldsZeroInsert(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	inserted, err := j.LogIntent(ctx, "key-1", "open_position", map[string]any{"market": "SOL-USD"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = j.LogIntent(ctx, "key-1", "open_position", map[string]any{"market": "SOL-USD"})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate idempotency key must not insert a second row")
}

func TestExecuteTwice_YieldsOneTerminalRowAndOneSkipped(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	inserted, err := j.LogIntent(ctx, "key-2", "open_position", map[string]any{})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, j.MarkSimulated(ctx, "key-2"))

	inserted, err = j.LogIntent(ctx, "key-2", "open_position", map[string]any{})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, j.MarkSkipped(ctx, "key-2"))
}

func TestMemoryOnlyJournal_AlwaysInsertable(t *testing.T) {
	j, err := Open("", "")
	require.NoError(t, err)

	ctx := context.Background()
	inserted, err := j.LogIntent(ctx, "k", "noop", map[string]any{})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestGetProjectedPositions_FoldsOpenReduceClose(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	_, err := j.LogIntent(ctx, "open-1", "open_position", map[string]any{
		"position_pda": "pda-A", "market": "SOL-USD", "side": "long", "size_usd": 500.0,
	})
	require.NoError(t, err)
	require.NoError(t, j.MarkConfirmed(ctx, "open-1", 1, 1000))

	projection, err := j.GetProjectedPositions(ctx)
	require.NoError(t, err)
	require.Contains(t, projection, "pda-A")
	assert.Equal(t, 500.0, projection["pda-A"].SizeUSD)

	_, err = j.LogIntent(ctx, "reduce-1", "reduce_position", map[string]any{
		"position_pda": "pda-A", "reduce_size_usd": 200.0,
	})
	require.NoError(t, err)
	require.NoError(t, j.MarkConfirmed(ctx, "reduce-1", 2, 2000))

	projection, err = j.GetProjectedPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300.0, projection["pda-A"].SizeUSD)

	_, err = j.LogIntent(ctx, "close-1", "close_position", map[string]any{"position_pda": "pda-A"})
	require.NoError(t, err)
	require.NoError(t, j.MarkConfirmed(ctx, "close-1", 3, 3000))

	projection, err = j.GetProjectedPositions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, projection, "pda-A")
}

func TestReduceToZero_DeletesPosition(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	_, err := j.LogIntent(ctx, "open-2", "open_position", map[string]any{
		"position_pda": "pda-B", "market": "BTC-USD", "side": "short", "size_usd": 100.0,
	})
	require.NoError(t, err)
	require.NoError(t, j.MarkConfirmed(ctx, "open-2", 1, 1000))

	_, err = j.LogIntent(ctx, "reduce-2", "reduce_position", map[string]any{
		"position_pda": "pda-B", "reduce_size_usd": 100.0,
	})
	require.NoError(t, err)
	require.NoError(t, j.MarkConfirmed(ctx, "reduce-2", 2, 2000))

	projection, err := j.GetProjectedPositions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, projection, "pda-B")
}

func TestRecordReconciliationFailure_DoesNotError(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	err := j.RecordReconciliationFailure(ctx, []string{"a"}, []string{"b"}, []string{"GHOST:a"})
	require.NoError(t, err)
}
