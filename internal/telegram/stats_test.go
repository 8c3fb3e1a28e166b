package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-paywall/internal/config"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
)

type fakeSweeps struct {
	result  sweep.Result
	err     error
	attempt sweep.Attempt
	last    *sweep.Result
	ids     []string
}

func (f *fakeSweeps) RunManual(context.Context) (sweep.Result, error) { return f.result, f.err }

func (f *fakeSweeps) SweepSession(_ context.Context, id string) (sweep.Attempt, error) {
	f.ids = append(f.ids, id)
	return f.attempt, f.err
}

func (f *fakeSweeps) State() sweep.State { return sweep.StateIdle }

func (f *fakeSweeps) LastResult() (*sweep.Result, time.Time) {
	return f.last, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestBot(sweeps Sweeps) *Bot {
	return &Bot{
		cfg:     &config.Config{AdminChatID: 10},
		storage: storage.NewMemory(),
		sweeps:  sweeps,
		states:  NewStateManager(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCollectStats(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Hour)
	sessions := []*storage.Session{
		{ID: "a", TrialExpiresAt: now.Add(time.Minute)},
		{ID: "b", TrialExpiresAt: expired},
		{ID: "c", TrialExpiresAt: expired, IsPaid: true, AmountReceived: 1_000_000_000, SweptTotal: 900_000_000},
		{ID: "d", TrialExpiresAt: expired, IsPaid: true, AmountReceived: 2_000_000_000, LastSweepOutcome: storage.SweepFail},
	}

	st := collectStats(sessions, now)
	assert.Equal(t, Stats{
		Sessions:      4,
		Paid:          2,
		InTrial:       1,
		Received:      3_000_000_000,
		Swept:         900_000_000,
		FailingSweeps: 1,
	}, st)
}

func TestFormatStats(t *testing.T) {
	text := formatStats(Stats{Sessions: 3, Paid: 1, Received: 1_500_000_000}, sweep.StateRunning, nil, time.Time{})
	assert.Contains(t, text, "Sessions: <b>3</b> (trial: 0, paid: 1)")
	assert.Contains(t, text, "1.5000 TON")
	assert.Contains(t, text, "running")
	assert.Contains(t, text, "No sweep has run yet")
	assert.NotContains(t, text, "Failing sweeps")

	last := &sweep.Result{Succeeded: 2, Failed: 1}
	text = formatStats(Stats{FailingSweeps: 1}, sweep.StateIdle, last, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.Contains(t, text, "Failing sweeps: <b>1</b>")
	assert.Contains(t, text, "Last run 2026-03-01 12:00 UTC: 2 ok, 1 failed, 0 skipped")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in, cmd, arg string
	}{
		{"/sweep", "/sweep", ""},
		{"/sweep   abc", "/sweep", "abc"},
		{"/sweep@paywall_bot abc extra", "/sweep", "abc"},
		{"/sweeper", "/sweeper", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.in)
		assert.Equal(t, tt.cmd, cmd, tt.in)
		assert.Equal(t, tt.arg, arg, tt.in)
	}
}

func TestRunBatch(t *testing.T) {
	f := &fakeSweeps{result: sweep.Result{Succeeded: 2, TotalTransferred: 3_000_000_000}}
	b := newTestBot(f)

	assert.Contains(t, b.runBatch(context.Background()), "Transferred: <b>3.0000 TON</b>")

	f.err = sweep.ErrSweepQueued
	assert.Contains(t, b.runBatch(context.Background()), "queued")

	f.err = errors.New("operator <missing>")
	assert.Contains(t, b.runBatch(context.Background()), "operator &lt;missing&gt;")
}

func TestRunSingle(t *testing.T) {
	f := &fakeSweeps{attempt: sweep.Attempt{SessionID: "s", Outcome: sweep.OutcomeSuccess, AmountAttempted: 500_000_000}}
	b := newTestBot(f)
	ctx := context.Background()

	assert.Contains(t, b.runSingle(ctx, "not-a-uuid"), "does not look like")
	assert.Empty(t, f.ids)

	id := "6f1c1a52-0d8e-4b8a-9a51-3f0f2d7c9e11"
	assert.Contains(t, b.runSingle(ctx, id), "0.5000 TON")
	require.Equal(t, []string{id}, f.ids)

	f.err = storage.ErrNotFound
	assert.Contains(t, b.runSingle(ctx, id), "not found")
}

func TestFormatAttempt(t *testing.T) {
	assert.Contains(t, formatAttempt(sweep.Attempt{SessionID: "s", Outcome: sweep.OutcomeSkip, Reason: "balance below reserve"}), "Skipped")
	assert.Contains(t, formatAttempt(sweep.Attempt{SessionID: "s", Outcome: sweep.OutcomeFail, Reason: "x<y"}), "x&lt;y")
}

func TestAllowed(t *testing.T) {
	b := newTestBot(&fakeSweeps{})
	assert.True(t, b.allowed(10))
	assert.False(t, b.allowed(11))

	b.cfg.AdminChatID = 0
	assert.False(t, b.allowed(0))
}

func TestStateManager(t *testing.T) {
	sm := NewStateManager()
	assert.Nil(t, sm.Get(1))

	sm.Set(1, StateWaitSessionID, nil)
	st := sm.Get(1)
	require.NotNil(t, st)
	assert.Equal(t, StateWaitSessionID, st.State)
	assert.NotNil(t, st.Data)

	sm.Clear(1)
	assert.Nil(t, sm.Get(1))
}
