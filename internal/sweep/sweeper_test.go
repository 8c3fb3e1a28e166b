package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-paywall/internal/custody"
	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
)

const (
	operatorRaw = "0:0000000000000000000000000000000000000000000000000000000000000abc"
	fee         = int64(5_000_000)
	reserve     = int64(10_000_000)
	ton         = int64(1_000_000_000)
)

type fixture struct {
	store     *storage.Memory
	ledger    *ledger.Memory
	custodian *custody.Custodian
	sweeper   *Sweeper
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, client ledger.Client, mem *ledger.Memory) *fixture {
	t.Helper()

	f := &fixture{
		store:     storage.NewMemory(),
		ledger:    mem,
		custodian: custody.New(false, nil),
	}
	f.sweeper = New(Config{
		OperatorAddress: operatorRaw,
		FeeReserve:      reserve,
		GroupSize:       2,
		GroupPause:      time.Millisecond,
		ConfirmTimeout:  50 * time.Millisecond,
	}, f.store, client, f.custodian, testLogger())
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	mem := ledger.NewMemory(fee)
	return newFixture(t, mem, mem)
}

// addSession provisions a real custodial wallet and funds it with balance
func (f *fixture) addSession(t *testing.T, id string, paid bool, balance int64) *storage.Session {
	t.Helper()

	acc, err := f.custodian.Provision(id)
	require.NoError(t, err)

	now := time.Now()
	s := &storage.Session{
		ID:               id,
		CustodialAddress: acc.Address,
		CustodialSecret:  acc.Secret,
		ReferenceID:      "ref-" + id,
		CreatedAt:        now,
		TrialExpiresAt:   now.Add(time.Hour),
	}
	if paid {
		expires := now.Add(time.Hour)
		s.IsPaid = true
		s.AmountReceived = balance
		s.PaymentTxRef = "pay-" + id
		s.PaymentReceivedAt = &now
		s.AccessExpiresAt = &expires
	}
	require.NoError(t, f.store.Create(context.Background(), s))

	if balance > 0 {
		f.ledger.Fund(acc.Address, balance, "pay-"+id, "0:payer")
	}
	return s
}

func (f *fixture) list(t *testing.T) []*storage.Session {
	sessions, err := f.store.List(context.Background())
	require.NoError(t, err)
	return sessions
}

func TestSweepAll_MixedBalances(t *testing.T) {
	f := newMemoryFixture(t)
	f.addSession(t, "a", true, 2*ton)
	f.addSession(t, "b", true, 0)
	f.addSession(t, "c", true, ton)

	r, err := f.sweeper.SweepAll(context.Background(), f.list(t))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 1, r.Skipped)
	assert.Zero(t, r.Failed)
	assert.Equal(t, (2*ton-reserve)+(ton-reserve), r.TotalTransferred)
	assert.Empty(t, r.Errors)

	bal, _ := f.ledger.Balance(context.Background(), operatorRaw)
	assert.Equal(t, r.TotalTransferred, bal)

	a, _ := f.store.Get(context.Background(), "a")
	assert.Equal(t, storage.SweepSuccess, a.LastSweepOutcome)
	assert.Equal(t, 2*ton-reserve, a.SweptTotal)
	assert.NotEmpty(t, a.LastSweepTxRef)
	b, _ := f.store.Get(context.Background(), "b")
	assert.Equal(t, storage.SweepSkip, b.LastSweepOutcome)
}

func TestSweepAll_OnlyPaidSessions(t *testing.T) {
	f := newMemoryFixture(t)
	f.addSession(t, "paid", true, ton)
	unpaid := f.addSession(t, "trial", false, ton)

	r, err := f.sweeper.SweepAll(context.Background(), f.list(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)
	require.Len(t, r.Attempts, 1)
	assert.Equal(t, "paid", r.Attempts[0].SessionID)

	bal, _ := f.ledger.Balance(context.Background(), unpaid.CustodialAddress)
	assert.Equal(t, ton, bal)
}

func TestSweepOne_Conservation(t *testing.T) {
	for _, balance := range []int64{0, reserve - 1, reserve, reserve + 1, 3 * ton} {
		t.Run(fmt.Sprint(balance), func(t *testing.T) {
			f := newMemoryFixture(t)
			s := f.addSession(t, "s", true, balance)

			a, err := f.sweeper.SweepOne(context.Background(), s)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, a.AmountAttempted, int64(0))
			assert.LessOrEqual(t, a.AmountAttempted, max(a.Balance-reserve, 0))
			if balance <= reserve {
				assert.Equal(t, OutcomeSkip, a.Outcome)
				assert.Zero(t, a.AmountAttempted)
				assert.Empty(t, f.ledger.Submitted())
			}
		})
	}
}

func TestSweepOne_TimeoutThenRecovers(t *testing.T) {
	f := newMemoryFixture(t)
	s := f.addSession(t, "s", true, ton)
	f.ledger.DropNextSubmit(s.CustodialAddress)

	a, err := f.sweeper.SweepOne(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, a.Outcome)
	assert.Contains(t, a.Reason, "confirmation")

	stored, _ := f.store.Get(context.Background(), "s")
	assert.Equal(t, storage.SweepFail, stored.LastSweepOutcome)
	assert.Equal(t, 1, stored.SweepFailures)

	r, err := f.sweeper.SweepAll(context.Background(), f.list(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, ton-reserve, r.TotalTransferred)

	stored, _ = f.store.Get(context.Background(), "s")
	assert.Equal(t, storage.SweepSuccess, stored.LastSweepOutcome)
	assert.Zero(t, stored.SweepFailures)
}

func TestSweepAll_FailuresDoNotAbortBatch(t *testing.T) {
	f := newMemoryFixture(t)
	ok := f.addSession(t, "ok", true, ton)
	broken := f.addSession(t, "broken", true, ton)
	flaky := f.addSession(t, "flaky", true, ton)

	_, err := storage.Mutate(context.Background(), f.store, broken.ID, func(s *storage.Session) error {
		s.CustodialSecret = "garbage"
		return nil
	})
	require.NoError(t, err)
	f.ledger.FailBalance(flaky.CustodialAddress, errors.New("rpc unavailable"))

	r, err := f.sweeper.SweepAll(context.Background(), f.list(t))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Succeeded)
	assert.Equal(t, 2, r.Failed)
	assert.Len(t, r.Errors, 2)

	bal, _ := f.ledger.Balance(context.Background(), ok.CustodialAddress)
	assert.Equal(t, reserve-fee, bal)
}

func TestSweepAll_FatalConfig(t *testing.T) {
	mem := ledger.NewMemory(fee)
	for _, operator := range []string{"", "not-an-address"} {
		s := New(Config{OperatorAddress: operator}, storage.NewMemory(), mem, custody.New(false, nil), testLogger())
		_, err := s.SweepAll(context.Background(), nil)
		assert.ErrorIs(t, err, ErrFatalConfig)
	}

	s := New(Config{OperatorAddress: operatorRaw}, storage.NewMemory(), nil, custody.New(false, nil), testLogger())
	_, err := s.SweepAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFatalConfig)
}

func TestSweepSession_SkipsUnpaid(t *testing.T) {
	f := newMemoryFixture(t)
	f.addSession(t, "trial", false, ton)

	a, err := f.sweeper.SweepSession(context.Background(), "trial")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkip, a.Outcome)
	assert.Empty(t, f.ledger.Submitted())

	_, err = f.sweeper.SweepSession(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// gatedLedger blocks balance lookups until the gate opens
type gatedLedger struct {
	*ledger.Memory
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedLedger() *gatedLedger {
	return &gatedLedger{
		Memory:  ledger.NewMemory(fee),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedLedger) Balance(ctx context.Context, address string) (int64, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	return g.Memory.Balance(ctx, address)
}

func TestSweepOne_NoDoubleSweep(t *testing.T) {
	gl := newGatedLedger()
	f := newFixture(t, gl, gl.Memory)
	s := f.addSession(t, "s", true, 5*ton)

	done := make(chan Attempt)
	go func() {
		a, _ := f.sweeper.SweepOne(context.Background(), s)
		done <- a
	}()
	<-gl.entered

	second, err := f.sweeper.SweepOne(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkip, second.Outcome)
	assert.Equal(t, reasonInFlight, second.Reason)

	close(gl.gate)
	first := <-done
	assert.Equal(t, OutcomeSuccess, first.Outcome)
	assert.Len(t, gl.Submitted(), 1)
}

func TestSweepOne_ConcurrentTriggersSubmitOnce(t *testing.T) {
	f := newMemoryFixture(t)
	s := f.addSession(t, "s", true, 5*ton)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.sweeper.SweepOne(context.Background(), s)
		}()
	}
	wg.Wait()

	assert.Len(t, f.ledger.Submitted(), 1)
}
