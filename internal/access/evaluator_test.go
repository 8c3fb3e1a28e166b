package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/suspectuso/ton-paywall/internal/storage"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func trialSession() *storage.Session {
	return &storage.Session{
		ID:             "6f1c2b3a-0000-4000-8000-000000000001",
		CreatedAt:      created,
		TrialExpiresAt: created.Add(15 * time.Minute),
	}
}

func paidSession(paidAt time.Time, grant time.Duration) *storage.Session {
	s := trialSession()
	until := paidAt.Add(grant)
	s.IsPaid = true
	s.AmountReceived = 1_000_000_000
	s.PaymentReceivedAt = &paidAt
	s.AccessExpiresAt = &until
	return s
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		session *storage.Session
		now     time.Time
		granted bool
		reason  Reason
	}{
		{"unknown session", nil, created, false, ReasonUnknown},
		{"new session one second in", trialSession(), created.Add(time.Second), true, ReasonTrialActive},
		{"trial boundary is exclusive", trialSession(), created.Add(15 * time.Minute), false, ReasonExpired},
		{"trial over and unpaid", trialSession(), created.Add(time.Hour), false, ReasonExpired},
		{"paid during trial", paidSession(created.Add(time.Minute), 24*time.Hour), created.Add(2 * time.Minute), true, ReasonPaidActive},
		{"paid after trial", paidSession(created.Add(time.Hour), 24*time.Hour), created.Add(2 * time.Hour), true, ReasonPaidActive},
		{"paid window elapsed", paidSession(created.Add(time.Hour), time.Hour), created.Add(3 * time.Hour), false, ReasonExpired},
		{"paid window elapsed but trial still on", paidSession(created, time.Minute), created.Add(5 * time.Minute), true, ReasonTrialActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.session, tt.now)
			assert.Equal(t, tt.granted, got.Granted)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestEvaluate_IsPure(t *testing.T) {
	s := paidSession(created.Add(time.Minute), time.Hour)
	now := created.Add(30 * time.Minute)

	first := Evaluate(s, now)
	second := Evaluate(s, now)
	assert.Equal(t, first, second)

	// the decision must not alias the session's timestamps
	*first.AccessExpiresAt = time.Time{}
	assert.False(t, s.AccessExpiresAt.IsZero())
}

func TestEvaluate_ExposesWindows(t *testing.T) {
	s := paidSession(created.Add(time.Minute), time.Hour)
	d := Evaluate(s, created.Add(2*time.Minute))

	if assert.NotNil(t, d.TrialExpiresAt) {
		assert.True(t, d.TrialExpiresAt.Equal(s.TrialExpiresAt))
	}
	if assert.NotNil(t, d.AccessExpiresAt) {
		assert.True(t, d.AccessExpiresAt.Equal(*s.AccessExpiresAt))
	}

	trialOnly := Evaluate(trialSession(), created)
	assert.Nil(t, trialOnly.AccessExpiresAt)
}

func TestDecision_Remaining(t *testing.T) {
	s := trialSession()
	now := created.Add(5 * time.Minute)
	assert.Equal(t, 10*time.Minute, Evaluate(s, now).Remaining(now))

	late := created.Add(time.Hour)
	assert.Zero(t, Evaluate(s, late).Remaining(late))
	assert.Zero(t, Evaluate(nil, late).Remaining(late))
}
