package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_RunsAndStops(t *testing.T) {
	r := New(testLogger())

	var ok, failing, panicking atomic.Int32
	r.Every("ok", 2*time.Millisecond, func(ctx context.Context) error {
		ok.Add(1)
		return nil
	})
	r.Every("failing", 2*time.Millisecond, func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	})
	r.Every("panicking", 2*time.Millisecond, func(ctx context.Context) error {
		panicking.Add(1)
		panic("boom")
	})
	r.Every("disabled", 0, func(ctx context.Context) error {
		t.Error("disabled task ran")
		return nil
	})

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return ok.Load() >= 3 && failing.Load() >= 3 && panicking.Load() >= 3
	}, time.Second, time.Millisecond)

	r.Stop()
	after := ok.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, ok.Load(), "no runs after Stop")
}

func TestRunner_StopWithoutStart(t *testing.T) {
	r := New(testLogger())
	r.Stop()
}
