// Package payment turns payment notifications and manual checks into the
// one-time trial-to-paid transition of a session.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

var (
	ErrInsufficientAmount = errors.New("payment: insufficient amount")
	ErrNotFound           = errors.New("payment: session not found")
	ErrReferenceReused    = errors.New("payment: ledger reference already credited to another session")
	ErrAlreadyPaid        = errors.New("payment: session already paid")
	ErrNoPayment          = errors.New("payment: no qualifying payment found")
	ErrAddressMismatch    = errors.New("payment: notification address does not belong to the session")
)

// ValidationError reports a malformed input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// SweepTrigger starts a best-effort sweep of one session in the background
type SweepTrigger interface {
	TriggerSession(sessionID string)
}

// Alerter is told about every committed payment
type Alerter interface {
	PaymentCommitted(ctx context.Context, s *storage.Session)
}

// LedgerReader is the part of the ledger a claim is checked against
type LedgerReader interface {
	Balance(ctx context.Context, address string) (int64, error)
	IncomingByRef(ctx context.Context, address, txRef string) (ledger.Incoming, error)
}

// Claim is a normalized statement that a payment landed. Nothing in it is
// trusted until the ledger agrees.
type Claim struct {
	// Hint is a session id, a custodial address or a reference token
	Hint string
	// Address is the wallet the sender says was paid, if it named one
	Address   string
	LedgerRef string
	Amount    int64 // nanoTON, zero when unknown
}

// Commit is the outcome of a successful verification
type Commit struct {
	Session   *storage.Session
	Duplicate bool
}

// Verifier commits sufficient payments to the session store
type Verifier struct {
	store    storage.Store
	chain    LedgerReader
	required int64
	grant    time.Duration
	log      *slog.Logger

	sweeper SweepTrigger
	alerter Alerter
	now     func() time.Time
}

// NewVerifier creates a verifier requiring at least required nanoTON on
// the ledger and granting access for grant after commit
func NewVerifier(store storage.Store, chain LedgerReader, required int64, grant time.Duration, log *slog.Logger) *Verifier {
	return &Verifier{
		store:    store,
		chain:    chain,
		required: required,
		grant:    grant,
		log:      log,
		now:      time.Now,
	}
}

// SetSweepTrigger wires the single-session sweep fired after each commit
func (v *Verifier) SetSweepTrigger(t SweepTrigger) { v.sweeper = t }

// SetAlerter wires operator notifications
func (v *Verifier) SetAlerter(a Alerter) { v.alerter = a }

// Required returns the minimum qualifying amount in nanoTON
func (v *Verifier) Required() int64 { return v.required }

// VerifyAndCommit resolves the claim to a session, confirms the amount on
// the ledger and marks the session paid. A repeated notification for an
// already-paid session succeeds without changing the recorded payment.
func (v *Verifier) VerifyAndCommit(ctx context.Context, c Claim) (*Commit, error) {
	hint := strings.TrimSpace(c.Hint)
	if hint == "" {
		return nil, &ValidationError{Field: "hint", Message: "session id, address or reference required"}
	}

	s, err := v.resolve(ctx, hint)
	if err != nil {
		return nil, err
	}

	if c.Address != "" && tonapi.NormalizeAddress(c.Address) != s.CustodialAddress {
		v.log.Warn("notification address does not match session",
			"session_id", s.ID,
			"address", c.Address,
		)
		return nil, fmt.Errorf("%w: %s", ErrAddressMismatch, c.Address)
	}

	if s.IsPaid {
		return v.duplicate(s, c), nil
	}

	amount, err := v.observe(ctx, s, c)
	if err != nil {
		return nil, err
	}

	if amount < v.required {
		v.log.Info("payment below required amount",
			"session_id", s.ID,
			"claimed", c.Amount,
			"observed", amount,
			"required", v.required,
		)
		return nil, fmt.Errorf("%w: received %.9f TON, required %.9f TON",
			ErrInsufficientAmount, tonapi.NanoToTON(amount), tonapi.NanoToTON(v.required))
	}

	if c.LedgerRef != "" {
		owner, err := v.store.FindByPaymentRef(ctx, c.LedgerRef)
		switch {
		case err == nil && owner.ID != s.ID:
			return nil, fmt.Errorf("%w: %s", ErrReferenceReused, c.LedgerRef)
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("lookup ledger reference: %w", err)
		}
	}

	duplicate := false
	updated, err := storage.Mutate(ctx, v.store, s.ID, func(s *storage.Session) error {
		if s.IsPaid {
			duplicate = true
			return storage.ErrSkipUpdate
		}
		duplicate = false

		now := v.now()
		expires := now.Add(v.grant)
		s.IsPaid = true
		s.AmountReceived = amount
		s.PaymentTxRef = c.LedgerRef
		s.PaymentReceivedAt = &now
		s.AccessExpiresAt = &expires
		return nil
	})
	if errors.Is(err, storage.ErrPaymentRefTaken) {
		return nil, fmt.Errorf("%w: %s", ErrReferenceReused, c.LedgerRef)
	}
	if err != nil {
		return nil, fmt.Errorf("commit payment: %w", err)
	}

	if duplicate {
		return v.duplicate(updated, c), nil
	}

	v.log.Info("payment committed",
		"session_id", updated.ID,
		"amount_ton", tonapi.NanoToTON(updated.AmountReceived),
		"ledger_ref", updated.PaymentTxRef,
		"access_expires_at", updated.AccessExpiresAt,
	)

	if v.sweeper != nil {
		v.sweeper.TriggerSession(updated.ID)
	}
	if v.alerter != nil {
		v.alerter.PaymentCommitted(ctx, updated.Clone())
	}

	return &Commit{Session: updated}, nil
}

func (v *Verifier) duplicate(s *storage.Session, c Claim) *Commit {
	v.log.Debug("duplicate payment notification",
		"session_id", s.ID,
		"ledger_ref", c.LedgerRef,
	)
	return &Commit{Session: s, Duplicate: true}
}

// observe returns what the ledger shows for the claim on the session's own
// wallet: the named transfer when the ledger knows it, the wallet balance
// otherwise. The result never exceeds a non-zero claimed amount.
func (v *Verifier) observe(ctx context.Context, s *storage.Session, c Claim) (int64, error) {
	if v.chain == nil {
		return 0, errors.New("payment: no ledger to verify against")
	}

	var observed int64
	found := false
	if c.LedgerRef != "" {
		in, err := v.chain.IncomingByRef(ctx, s.CustodialAddress, c.LedgerRef)
		switch {
		case err == nil:
			observed, found = in.Amount, true
		case !errors.Is(err, ledger.ErrTransferNotFound):
			return 0, fmt.Errorf("lookup transfer %s: %w", c.LedgerRef, err)
		}
	}
	if !found {
		balance, err := v.chain.Balance(ctx, s.CustodialAddress)
		if err != nil {
			return 0, fmt.Errorf("read balance: %w", err)
		}
		observed = balance
	}

	if c.Amount > 0 && c.Amount < observed {
		return c.Amount, nil
	}
	return observed, nil
}

// resolve tries the hint as a session id, then a custodial address, then a
// reference token
func (v *Verifier) resolve(ctx context.Context, hint string) (*storage.Session, error) {
	lookups := []func() (*storage.Session, error){
		func() (*storage.Session, error) { return v.store.Get(ctx, hint) },
		func() (*storage.Session, error) {
			raw, err := tonapi.ParseAddress(hint)
			if err != nil {
				return nil, storage.ErrNotFound
			}
			return v.store.FindByAddress(ctx, raw)
		},
		func() (*storage.Session, error) { return v.store.FindByReference(ctx, hint) },
	}

	for _, lookup := range lookups {
		s, err := lookup()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, hint)
}
