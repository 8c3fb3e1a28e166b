// Package session creates sessions, answers access checks and removes
// sessions whose windows have fully elapsed.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/suspectuso/ton-paywall/internal/access"
	"github.com/suspectuso/ton-paywall/internal/custody"
	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/storage"
)

// Provisioner issues the custodial wallet of a new session
type Provisioner interface {
	Provision(sessionID string) (custody.Account, error)
}

type Config struct {
	TrialDuration time.Duration
	Retention     time.Duration
	FeeReserve    int64
}

// Result of a bootstrap
type Result struct {
	Session  *storage.Session
	IsNew    bool
	Decision access.Decision
}

type Service struct {
	cfg       Config
	store     storage.Store
	custodian Provisioner
	ledger    ledger.Client
	log       *slog.Logger
	now       func() time.Time
}

func NewService(cfg Config, store storage.Store, custodian Provisioner, client ledger.Client, log *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		custodian: custodian,
		ledger:    client,
		log:       log,
		now:       time.Now,
	}
}

// Fingerprint identifies a client by user agent and network origin
func Fingerprint(userAgent, origin string) string {
	sum := sha256.Sum256([]byte(userAgent + "\x00" + origin))
	return hex.EncodeToString(sum[:16])
}

// Bootstrap returns the requested session when it exists and belongs to the
// same client, otherwise a new one
func (s *Service) Bootstrap(ctx context.Context, requestedID, fingerprint string) (*Result, error) {
	if requestedID != "" {
		existing, err := s.store.Get(ctx, requestedID)
		switch {
		case err == nil && sameClient(existing, fingerprint):
			return &Result{
				Session:  existing,
				Decision: access.Evaluate(existing, s.now()),
			}, nil
		case err == nil:
			s.log.Warn("session id presented by a different client",
				"session_id", requestedID,
			)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	created, err := s.create(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return &Result{
		Session:  created,
		IsNew:    true,
		Decision: access.Evaluate(created, s.now()),
	}, nil
}

func sameClient(s *storage.Session, fingerprint string) bool {
	return s.ClientFingerprint == "" || fingerprint == "" || s.ClientFingerprint == fingerprint
}

func (s *Service) create(ctx context.Context, fingerprint string) (*storage.Session, error) {
	id := uuid.NewString()

	acc, err := s.custodian.Provision(id)
	if err != nil {
		return nil, fmt.Errorf("provision wallet: %w", err)
	}

	now := s.now()
	sess := &storage.Session{
		ID:                id,
		CustodialAddress:  acc.Address,
		CustodialSecret:   acc.Secret,
		ReferenceID:       uuid.NewString(),
		ClientFingerprint: fingerprint,
		CreatedAt:         now,
		TrialExpiresAt:    now.Add(s.cfg.TrialDuration),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info("session created",
		"session_id", sess.ID,
		"address", sess.CustodialAddress,
		"trial_expires_at", sess.TrialExpiresAt,
	)
	return sess, nil
}

// Check always answers; lookup failures count as no access
func (s *Service) Check(ctx context.Context, id string) access.Decision {
	if id == "" {
		return access.Evaluate(nil, s.now())
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("load session for access check", "session_id", id, "error", err)
		}
		return access.Evaluate(nil, s.now())
	}
	return access.Evaluate(sess, s.now())
}

// Cleanup deletes sessions whose trial and paid windows both ended more
// than the retention period ago and whose wallets hold nothing worth
// sweeping
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, sess := range sessions {
		if !s.expired(sess, now) {
			continue
		}

		if s.ledger != nil {
			balance, err := s.ledger.Balance(ctx, sess.CustodialAddress)
			if err != nil {
				s.log.Warn("cleanup balance check", "session_id", sess.ID, "error", err)
				continue
			}
			if balance > s.cfg.FeeReserve {
				s.log.Info("keeping expired session with unswept funds",
					"session_id", sess.ID,
					"balance", balance,
				)
				continue
			}
		}

		if err := s.store.Delete(ctx, sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("delete session", "session_id", sess.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Info("expired sessions removed", "count", removed)
	}
	return removed, nil
}

func (s *Service) expired(sess *storage.Session, now time.Time) bool {
	end := sess.TrialExpiresAt
	if sess.AccessExpiresAt != nil && sess.AccessExpiresAt.After(end) {
		end = *sess.AccessExpiresAt
	}
	return now.After(end.Add(s.cfg.Retention))
}
