package storage

import "time"

// Sweep outcomes recorded on a session after each sweep attempt
const (
	SweepSuccess = "success"
	SweepSkip    = "skip"
	SweepFail    = "fail"
)

// Session is one end-user session with its disposable custodial account
type Session struct {
	ID               string
	CustodialAddress string // 0:... format
	CustodialSecret  string // seed or sealed seed, never leaves custody/sweep flows
	ReferenceID      string

	ClientFingerprint string

	CreatedAt      time.Time
	TrialExpiresAt time.Time

	IsPaid            bool
	AmountReceived    int64 // nanoTON
	PaymentTxRef      string
	PaymentReceivedAt *time.Time
	AccessExpiresAt   *time.Time

	LastSweepAt      *time.Time
	LastSweepOutcome string
	LastSweepTxRef   string
	SweptTotal       int64
	SweepFailures    int

	// Version is bumped on every successful update
	Version int64
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.PaymentReceivedAt = cloneTime(s.PaymentReceivedAt)
	c.AccessExpiresAt = cloneTime(s.AccessExpiresAt)
	c.LastSweepAt = cloneTime(s.LastSweepAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
