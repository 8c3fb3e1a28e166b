// Package sweep drains custodial wallets of paid sessions into the operator
// wallet.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suspectuso/ton-paywall/internal/custody"
	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// ErrFatalConfig aborts a whole run: the deployment cannot sweep anything
var ErrFatalConfig = errors.New("sweep: fatal configuration error")

// Outcomes of a single attempt
const (
	OutcomeSuccess = storage.SweepSuccess
	OutcomeSkip    = storage.SweepSkip
	OutcomeFail    = storage.SweepFail
)

const reasonInFlight = "sweep already in flight"

// Reconstructor rebuilds a signer from stored secret material
type Reconstructor interface {
	Reconstruct(secret string) (*custody.Signer, error)
}

// Config controls amounts and pacing
type Config struct {
	OperatorAddress string
	FeeReserve      int64 // nanoTON left behind to pay the transfer fee
	GroupSize       int
	GroupPause      time.Duration
	ConfirmTimeout  time.Duration
}

// Attempt is the outcome of sweeping one session. It is not persisted
// beyond the bookkeeping fields on the session.
type Attempt struct {
	SessionID       string `json:"sessionId"`
	SourceAddress   string `json:"sourceAddress"`
	Balance         int64  `json:"balance"`
	AmountAttempted int64  `json:"amountAttempted"`
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	TxRef           string `json:"txRef,omitempty"`
}

// Result aggregates a batch run
type Result struct {
	Succeeded        int       `json:"succeeded"`
	Failed           int       `json:"failed"`
	Skipped          int       `json:"skipped"`
	TotalTransferred int64     `json:"totalTransferred"`
	Attempts         []Attempt `json:"attempts"`
	Errors           []string  `json:"errors,omitempty"`
}

func (r *Result) add(a Attempt) {
	r.Attempts = append(r.Attempts, a)
	switch a.Outcome {
	case OutcomeSuccess:
		r.Succeeded++
		r.TotalTransferred += a.AmountAttempted
	case OutcomeSkip:
		r.Skipped++
	default:
		r.Failed++
		r.Errors = append(r.Errors, fmt.Sprintf("session %s: %s", a.SessionID, a.Reason))
	}
}

// Sweeper moves funds from custodial wallets to the operator wallet
type Sweeper struct {
	cfg       Config
	store     storage.Store
	ledger    ledger.Client
	custodian Reconstructor
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config, store storage.Store, client ledger.Client, custodian Reconstructor, log *slog.Logger) *Sweeper {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 5
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		ledger:    client,
		custodian: custodian,
		log:       log,
		now:       time.Now,
		inFlight:  make(map[string]struct{}),
	}
}

// operator validates the run-wide configuration and returns the raw
// operator address
func (s *Sweeper) operator() (string, error) {
	if s.ledger == nil {
		return "", fmt.Errorf("%w: no ledger client", ErrFatalConfig)
	}
	if s.custodian == nil {
		return "", fmt.Errorf("%w: no custodian", ErrFatalConfig)
	}
	if s.cfg.OperatorAddress == "" {
		return "", fmt.Errorf("%w: operator address not set", ErrFatalConfig)
	}
	raw, err := tonapi.ParseAddress(s.cfg.OperatorAddress)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}
	if s.cfg.FeeReserve < 0 {
		return "", fmt.Errorf("%w: negative fee reserve", ErrFatalConfig)
	}
	return raw, nil
}

// SweepOne sweeps a single session and records the outcome on it
func (s *Sweeper) SweepOne(ctx context.Context, sess *storage.Session) (Attempt, error) {
	operator, err := s.operator()
	if err != nil {
		return Attempt{}, err
	}
	return s.sweepOne(ctx, sess, operator), nil
}

// SweepSession loads a session by id and sweeps it if it is paid
func (s *Sweeper) SweepSession(ctx context.Context, id string) (Attempt, error) {
	operator, err := s.operator()
	if err != nil {
		return Attempt{}, err
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Attempt{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if !sess.IsPaid {
		return Attempt{
			SessionID:     sess.ID,
			SourceAddress: sess.CustodialAddress,
			Outcome:       OutcomeSkip,
			Reason:        "session not paid",
		}, nil
	}

	return s.sweepOne(ctx, sess, operator), nil
}

// SweepAll sweeps every paid session in fixed-size concurrent groups. One
// session failing never stops the others.
func (s *Sweeper) SweepAll(ctx context.Context, sessions []*storage.Session) (Result, error) {
	operator, err := s.operator()
	if err != nil {
		return Result{}, err
	}

	var eligible []*storage.Session
	for _, sess := range sessions {
		if sess.IsPaid {
			eligible = append(eligible, sess)
		}
	}

	var result Result
	for start := 0; start < len(eligible); start += s.cfg.GroupSize {
		if start > 0 && s.cfg.GroupPause > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(s.cfg.GroupPause):
			}
		}

		end := min(start+s.cfg.GroupSize, len(eligible))
		group := eligible[start:end]
		attempts := make([]Attempt, len(group))

		var g errgroup.Group
		for i, sess := range group {
			i, sess := i, sess
			g.Go(func() error {
				attempts[i] = s.sweepOne(ctx, sess, operator)
				return nil
			})
		}
		_ = g.Wait()

		for _, a := range attempts {
			result.add(a)
		}
	}

	s.log.Info("sweep completed",
		"eligible", len(eligible),
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"total_ton", tonapi.NanoToTON(result.TotalTransferred),
	)

	return result, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, sess *storage.Session, operator string) Attempt {
	if !s.acquire(sess.ID) {
		return Attempt{
			SessionID:     sess.ID,
			SourceAddress: sess.CustodialAddress,
			Outcome:       OutcomeSkip,
			Reason:        reasonInFlight,
		}
	}
	defer s.release(sess.ID)

	a := s.transfer(ctx, sess, operator)
	s.record(ctx, a)

	switch a.Outcome {
	case OutcomeSuccess:
		s.log.Info("session swept",
			"session_id", a.SessionID,
			"amount_ton", tonapi.NanoToTON(a.AmountAttempted),
			"tx_ref", a.TxRef,
		)
	case OutcomeFail:
		s.log.Warn("session sweep failed",
			"session_id", a.SessionID,
			"reason", a.Reason,
		)
	default:
		s.log.Debug("session sweep skipped",
			"session_id", a.SessionID,
			"reason", a.Reason,
		)
	}
	return a
}

func (s *Sweeper) transfer(ctx context.Context, sess *storage.Session, operator string) Attempt {
	a := Attempt{
		SessionID:     sess.ID,
		SourceAddress: sess.CustodialAddress,
	}
	fail := func(format string, args ...any) Attempt {
		a.Outcome = OutcomeFail
		a.Reason = fmt.Sprintf(format, args...)
		return a
	}

	balance, err := s.ledger.Balance(ctx, sess.CustodialAddress)
	if err != nil {
		return fail("get balance: %v", err)
	}
	a.Balance = balance

	if balance <= s.cfg.FeeReserve {
		a.Outcome = OutcomeSkip
		a.Reason = "balance does not cover fee reserve"
		return a
	}
	amount := balance - s.cfg.FeeReserve

	signer, err := s.custodian.Reconstruct(sess.CustodialSecret)
	if err != nil {
		return fail("reconstruct signer: %v", err)
	}

	ref, err := s.ledger.BlockReference(ctx, sess.CustodialAddress)
	if err != nil {
		return fail("get block reference: %v", err)
	}

	t := ledger.Transfer{
		From:    sess.CustodialAddress,
		To:      operator,
		Amount:  amount,
		Ref:     ref,
		Comment: "sweep " + sess.ID,
	}
	a.AmountAttempted = amount

	txRef, err := s.ledger.Submit(ctx, signer, t)
	if err != nil {
		return fail("submit transfer: %v", err)
	}
	a.TxRef = txRef

	// the confirmation window is independent of the caller's context
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmTimeout)
	defer cancel()

	if err := s.ledger.AwaitConfirmation(cctx, t, txRef); err != nil {
		return fail("await confirmation: %v", err)
	}

	a.Outcome = OutcomeSuccess
	return a
}

// record stores the attempt on the session
func (s *Sweeper) record(ctx context.Context, a Attempt) {
	_, err := storage.Mutate(context.WithoutCancel(ctx), s.store, a.SessionID, func(sess *storage.Session) error {
		now := s.now()
		sess.LastSweepAt = &now
		sess.LastSweepOutcome = a.Outcome
		if a.TxRef != "" {
			sess.LastSweepTxRef = a.TxRef
		}
		switch a.Outcome {
		case OutcomeSuccess:
			sess.SweptTotal += a.AmountAttempted
			sess.SweepFailures = 0
		case OutcomeFail:
			sess.SweepFailures++
		}
		return nil
	})
	if err != nil {
		s.log.Error("record sweep outcome", "session_id", a.SessionID, "error", err)
	}
}

func (s *Sweeper) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
