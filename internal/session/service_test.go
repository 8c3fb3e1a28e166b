package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-paywall/internal/access"
	"github.com/suspectuso/ton-paywall/internal/custody"
	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
)

type fakeProvisioner struct{ n int }

func (p *fakeProvisioner) Provision(id string) (custody.Account, error) {
	p.n++
	addr := fmt.Sprintf("0:%064x", p.n)
	return custody.Account{Address: addr, FriendlyAddress: addr, Secret: "secret-" + id}, nil
}

type failingProvisioner struct{}

func (failingProvisioner) Provision(string) (custody.Account, error) {
	return custody.Account{}, errors.New("entropy exhausted")
}

const (
	trial     = 10 * time.Minute
	retention = 24 * time.Hour
	reserve   = int64(10_000_000)
)

type fixture struct {
	svc    *Service
	store  *storage.Memory
	ledger *ledger.Memory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  storage.NewMemory(),
		ledger: ledger.NewMemory(0),
		now:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(Config{TrialDuration: trial, Retention: retention, FeeReserve: reserve},
		f.store, &fakeProvisioner{}, f.ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.now = func() time.Time { return f.now }
	return f
}

func TestBootstrap_NewSessionGetsTrial(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.Bootstrap(context.Background(), "", "fp")
	require.NoError(t, err)
	assert.True(t, r.IsNew)
	assert.True(t, r.Decision.Granted)
	assert.Equal(t, access.ReasonTrialActive, r.Decision.Reason)
	assert.Equal(t, f.now.Add(trial), r.Session.TrialExpiresAt)
	assert.NotEmpty(t, r.Session.ReferenceID)
	assert.NotEqual(t, r.Session.ID, r.Session.ReferenceID)

	stored, err := f.store.Get(context.Background(), r.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp", stored.ClientFingerprint)
}

func TestBootstrap_ReusePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Bootstrap(ctx, "", "fp-a")
	require.NoError(t, err)

	same, err := f.svc.Bootstrap(ctx, first.Session.ID, "fp-a")
	require.NoError(t, err)
	assert.False(t, same.IsNew)
	assert.Equal(t, first.Session.ID, same.Session.ID)

	other, err := f.svc.Bootstrap(ctx, first.Session.ID, "fp-b")
	require.NoError(t, err)
	assert.True(t, other.IsNew)
	assert.NotEqual(t, first.Session.ID, other.Session.ID)

	unknown, err := f.svc.Bootstrap(ctx, "3f1c5a5e-0000-0000-0000-000000000000", "fp-a")
	require.NoError(t, err)
	assert.True(t, unknown.IsNew)
}

func TestBootstrap_ProvisionFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.custodian = failingProvisioner{}

	_, err := f.svc.Bootstrap(context.Background(), "", "")
	assert.Error(t, err)
}

func TestCheck_AlwaysAnswers(t *testing.T) {
	f := newFixture(t)

	d := f.svc.Check(context.Background(), "")
	assert.False(t, d.Granted)
	assert.Equal(t, access.ReasonUnknown, d.Reason)

	d = f.svc.Check(context.Background(), "missing")
	assert.Equal(t, access.ReasonUnknown, d.Reason)

	r, err := f.svc.Bootstrap(context.Background(), "", "")
	require.NoError(t, err)

	f.now = f.now.Add(trial + time.Second)
	d = f.svc.Check(context.Background(), r.Session.ID)
	assert.False(t, d.Granted)
	assert.Equal(t, access.ReasonExpired, d.Reason)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.svc.Bootstrap(ctx, "", "")
	require.NoError(t, err)
	funded, err := f.svc.Bootstrap(ctx, "", "")
	require.NoError(t, err)
	f.ledger.Fund(funded.Session.CustodialAddress, 2*reserve, "tx", "0:payer")

	paid, err := f.svc.Bootstrap(ctx, "", "")
	require.NoError(t, err)
	_, err = storage.Mutate(ctx, f.store, paid.Session.ID, func(s *storage.Session) error {
		at := f.now
		expires := f.now.Add(7 * 24 * time.Hour)
		s.IsPaid = true
		s.AmountReceived = 1
		s.PaymentReceivedAt = &at
		s.AccessExpiresAt = &expires
		return nil
	})
	require.NoError(t, err)

	f.now = f.now.Add(trial + retention + time.Minute)
	fresh, err := f.svc.Bootstrap(ctx, "", "")
	require.NoError(t, err)

	removed, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.store.Get(ctx, stale.Session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	for _, id := range []string{funded.Session.ID, paid.Session.ID, fresh.Session.ID} {
		_, err := f.store.Get(ctx, id)
		assert.NoError(t, err, "session %s must be kept", id)
	}
}
