package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite handles all database operations against a local sqlite file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database and initializes the schema
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			custodial_address TEXT NOT NULL UNIQUE,
			custodial_secret TEXT NOT NULL,
			reference_id TEXT NOT NULL UNIQUE,
			client_fingerprint TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			trial_expires_at INTEGER NOT NULL,
			is_paid INTEGER NOT NULL DEFAULT 0,
			amount_received INTEGER NOT NULL DEFAULT 0,
			payment_tx_ref TEXT NOT NULL DEFAULT '',
			payment_received_at INTEGER,
			access_expires_at INTEGER,
			last_sweep_at INTEGER,
			last_sweep_outcome TEXT NOT NULL DEFAULT '',
			last_sweep_tx_ref TEXT NOT NULL DEFAULT '',
			swept_total INTEGER NOT NULL DEFAULT 0,
			sweep_failures INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`DROP INDEX IF EXISTS idx_sessions_payment_tx_ref`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_payment_tx_ref_unique
			ON sessions(payment_tx_ref) WHERE payment_tx_ref != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_is_paid ON sessions(is_paid)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

const sessionColumns = `id, custodial_address, custodial_secret, reference_id, client_fingerprint,
	created_at, trial_expires_at, is_paid, amount_received, payment_tx_ref,
	payment_received_at, access_expires_at, last_sweep_at, last_sweep_outcome,
	last_sweep_tx_ref, swept_total, sweep_failures, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                             Session
		createdAt, trialExpiresAt        int64
		isPaid                           int
		paidAt, accessUntil, lastSweepAt sql.NullInt64
	)

	err := row.Scan(
		&sess.ID, &sess.CustodialAddress, &sess.CustodialSecret, &sess.ReferenceID, &sess.ClientFingerprint,
		&createdAt, &trialExpiresAt, &isPaid, &sess.AmountReceived, &sess.PaymentTxRef,
		&paidAt, &accessUntil, &lastSweepAt, &sess.LastSweepOutcome,
		&sess.LastSweepTxRef, &sess.SweptTotal, &sess.SweepFailures, &sess.Version,
	)
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(0, createdAt)
	sess.TrialExpiresAt = time.Unix(0, trialExpiresAt)
	sess.IsPaid = isPaid == 1
	sess.PaymentReceivedAt = fromNull(paidAt)
	sess.AccessExpiresAt = fromNull(accessUntil)
	sess.LastSweepAt = fromNull(lastSweepAt)

	return &sess, nil
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) queryOne(ctx context.Context, where string, arg any) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE "+where+" LIMIT 1", arg)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by id
func (s *SQLite) Get(ctx context.Context, id string) (*Session, error) {
	return s.queryOne(ctx, "id = ?", id)
}

// FindByAddress returns the session owning a custodial address
func (s *SQLite) FindByAddress(ctx context.Context, addressRaw string) (*Session, error) {
	return s.queryOne(ctx, "custodial_address = ?", addressRaw)
}

// FindByReference returns the session carrying a reference token
func (s *SQLite) FindByReference(ctx context.Context, referenceID string) (*Session, error) {
	return s.queryOne(ctx, "reference_id = ?", referenceID)
}

// FindByPaymentRef returns the session a ledger reference was committed to
func (s *SQLite) FindByPaymentRef(ctx context.Context, txRef string) (*Session, error) {
	if txRef == "" {
		return nil, ErrNotFound
	}
	return s.queryOne(ctx, "payment_tx_ref = ?", txRef)
}

// Create inserts a new session
func (s *SQLite) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		sess.ID, sess.CustodialAddress, sess.CustodialSecret, sess.ReferenceID, sess.ClientFingerprint,
		sess.CreatedAt.UnixNano(), sess.TrialExpiresAt.UnixNano(), boolToInt(sess.IsPaid), sess.AmountReceived, sess.PaymentTxRef,
		toNull(sess.PaymentReceivedAt), toNull(sess.AccessExpiresAt), toNull(sess.LastSweepAt), sess.LastSweepOutcome,
		sess.LastSweepTxRef, sess.SweptTotal, sess.SweepFailures,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	sess.Version = 1
	return nil
}

// List returns all sessions, oldest first
func (s *SQLite) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// UpdateIfUnchanged writes the mutable columns guarded by the version counter
func (s *SQLite) UpdateIfUnchanged(ctx context.Context, sess *Session) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			client_fingerprint = ?,
			is_paid = ?,
			amount_received = ?,
			payment_tx_ref = ?,
			payment_received_at = ?,
			access_expires_at = ?,
			last_sweep_at = ?,
			last_sweep_outcome = ?,
			last_sweep_tx_ref = ?,
			swept_total = ?,
			sweep_failures = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		sess.ClientFingerprint,
		boolToInt(sess.IsPaid),
		sess.AmountReceived,
		sess.PaymentTxRef,
		toNull(sess.PaymentReceivedAt),
		toNull(sess.AccessExpiresAt),
		toNull(sess.LastSweepAt),
		sess.LastSweepOutcome,
		sess.LastSweepTxRef,
		sess.SweptTotal,
		sess.SweepFailures,
		sess.ID, sess.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentRefTaken
		}
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrConflict
	}

	sess.Version++
	return nil
}

// Delete removes a session
func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
