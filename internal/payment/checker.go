package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
)

const recentTransfers = 20

// Checker looks for a payment on the ledger when the client asks instead of
// waiting for a webhook
type Checker struct {
	store    storage.Store
	history  ledger.History
	verifier *Verifier
	log      *slog.Logger
}

func NewChecker(store storage.Store, history ledger.History, verifier *Verifier, log *slog.Logger) *Checker {
	return &Checker{
		store:    store,
		history:  history,
		verifier: verifier,
		log:      log,
	}
}

// Check commits the payment identified by txRef, or when txRef is empty the
// first sufficient recent transfer into the session's custodial wallet
func (c *Checker) Check(ctx context.Context, sessionID, txRef string) (*Commit, error) {
	s, err := c.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if s.IsPaid {
		return &Commit{Session: s, Duplicate: true}, nil
	}
	if c.history == nil {
		return nil, ErrNoPayment
	}

	if txRef != "" {
		in, err := c.history.IncomingByRef(ctx, s.CustodialAddress, txRef)
		if errors.Is(err, ledger.ErrTransferNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoPayment, txRef)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup transfer: %w", err)
		}
		return c.verifier.VerifyAndCommit(ctx, Claim{Hint: s.ID, LedgerRef: in.TxRef, Amount: in.Amount})
	}

	incoming, err := c.history.RecentIncoming(ctx, s.CustodialAddress, recentTransfers)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	for _, in := range incoming {
		if in.Amount < c.verifier.Required() {
			continue
		}

		commit, err := c.verifier.VerifyAndCommit(ctx, Claim{Hint: s.ID, LedgerRef: in.TxRef, Amount: in.Amount})
		if errors.Is(err, ErrReferenceReused) {
			c.log.Warn("transfer already credited elsewhere", "session_id", s.ID, "tx_ref", in.TxRef)
			continue
		}
		return commit, err
	}

	c.log.Debug("no qualifying payment yet", "session_id", s.ID, "checked", len(incoming))
	return nil, ErrNoPayment
}
