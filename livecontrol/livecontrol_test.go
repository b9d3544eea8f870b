package livecontrol

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "control_state.json"))
	s, err := NewState(cfg)
	require.NoError(t, err)
	return s
}

func TestArmDisarmLifecycle(t *testing.T) {
	s := newTestState(t)

	snap := s.Snapshot()
	assert.Equal(t, StageDisarmed, snap.Stage)

	err := s.CanOpenPosition()
	assert.Error(t, err, "disarmed state must reject opens")

	challenge, err := s.PrepareArm()
	require.NoError(t, err)
	assert.NotEmpty(t, challenge)
	assert.Equal(t, StagePrepared, s.Snapshot().Stage)

	err = s.ConfirmArm(challenge, "wrong phrase")
	assert.Error(t, err)

	err = s.ConfirmArm(challenge, ConfirmPhrase)
	require.NoError(t, err)
	assert.Equal(t, StageArmed, s.Snapshot().Stage)
	assert.True(t, s.Snapshot().DesiredLive)

	require.NoError(t, s.CanOpenPosition())

	require.NoError(t, s.Disarm("operator_request"))
	assert.Equal(t, StageDisarmed, s.Snapshot().Stage)
}

func TestConfirmArm_RejectsWrongChallenge(t *testing.T) {
	s := newTestState(t)
	_, err := s.PrepareArm()
	require.NoError(t, err)

	err = s.ConfirmArm("not-the-real-challenge", ConfirmPhrase)
	assert.Error(t, err)
}

func TestCanOpenPosition_BreachSelfDisarms(t *testing.T) {
	s := newTestState(t)
	challenge, err := s.PrepareArm()
	require.NoError(t, err)
	require.NoError(t, s.ConfirmArm(challenge, ConfirmPhrase))

	require.NoError(t, s.SetLimits(1, 500))
	require.NoError(t, s.RecordOpenPosition())

	err = s.CanOpenPosition()
	assert.Error(t, err, "max_trades_per_day breach must reject and self-disarm")
	assert.Equal(t, StageDisarmed, s.Snapshot().Stage)
}

func TestRecordRealizedPnL_BreachSelfDisarms(t *testing.T) {
	s := newTestState(t)
	challenge, err := s.PrepareArm()
	require.NoError(t, err)
	require.NoError(t, s.ConfirmArm(challenge, ConfirmPhrase))

	require.NoError(t, s.RecordRealizedPnL(-600))
	assert.Equal(t, StageDisarmed, s.Snapshot().Stage)
}

func TestStateSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control_state.json")
	cfg := DefaultConfig(path)
	s1, err := NewState(cfg)
	require.NoError(t, err)
	challenge, err := s1.PrepareArm()
	require.NoError(t, err)
	require.NoError(t, s1.ConfirmArm(challenge, ConfirmPhrase))

	s2, err := NewState(cfg)
	require.NoError(t, err)
	assert.Equal(t, StageArmed, s2.Snapshot().Stage)
}

// TestDailyCountersRollOverAtUTCMidnight monkey-patches time.Now rather than
// sleeping across a real day boundary, matching live_control.py's own
// reliance on wall-clock date rollover being deterministically testable.
func TestDailyCountersRollOverAtUTCMidnight(t *testing.T) {
	day1 := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	patch := gomonkey.ApplyFunc(time.Now, func() time.Time { return day1 })
	defer patch.Reset()

	s := newTestState(t)
	challenge, err := s.PrepareArm()
	require.NoError(t, err)
	require.NoError(t, s.ConfirmArm(challenge, ConfirmPhrase))
	require.NoError(t, s.RecordOpenPosition())
	require.NoError(t, s.RecordRealizedPnL(-50))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.TradesToday)
	assert.Equal(t, -50.0, snap.RealizedPnLToday)

	day2 := time.Date(2026, 3, 5, 0, 30, 0, 0, time.UTC)
	patch.Reset()
	patch = gomonkey.ApplyFunc(time.Now, func() time.Time { return day2 })
	defer patch.Reset()

	snap = s.Snapshot()
	assert.Equal(t, 0, snap.TradesToday, "trades_today must reset once the UTC day ordinal changes")
	assert.Equal(t, 0.0, snap.RealizedPnLToday, "realized_pnl_today must reset once the UTC day ordinal changes")
}
