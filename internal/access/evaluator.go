// Package access decides whether a session may use the service right now.
package access

import (
	"time"

	"github.com/suspectuso/ton-paywall/internal/storage"
)

// Reason explains an access decision
type Reason string

const (
	ReasonPaidActive  Reason = "paid_active"
	ReasonTrialActive Reason = "trial_active"
	ReasonExpired     Reason = "expired"
	ReasonUnknown     Reason = "unknown"
)

// Decision is the answer to "can this session proceed"
type Decision struct {
	Granted         bool       `json:"granted"`
	Reason          Reason     `json:"reason"`
	TrialExpiresAt  *time.Time `json:"trialExpiresAt,omitempty"`
	AccessExpiresAt *time.Time `json:"accessExpiresAt,omitempty"`
}

// Evaluate is a pure function of the session and the supplied time.
// A nil session means the caller could not find one.
func Evaluate(s *storage.Session, now time.Time) Decision {
	if s == nil {
		return Decision{Reason: ReasonUnknown}
	}

	trial := s.TrialExpiresAt
	d := Decision{TrialExpiresAt: &trial}
	if s.AccessExpiresAt != nil {
		until := *s.AccessExpiresAt
		d.AccessExpiresAt = &until
	}

	switch {
	case s.IsPaid && s.AccessExpiresAt != nil && now.Before(*s.AccessExpiresAt):
		d.Granted = true
		d.Reason = ReasonPaidActive
	case now.Before(s.TrialExpiresAt):
		d.Granted = true
		d.Reason = ReasonTrialActive
	default:
		d.Reason = ReasonExpired
	}

	return d
}

// Remaining returns how long the current grant lasts, zero when not granted
func (d Decision) Remaining(now time.Time) time.Duration {
	var until *time.Time
	switch d.Reason {
	case ReasonPaidActive:
		until = d.AccessExpiresAt
	case ReasonTrialActive:
		until = d.TrialExpiresAt
	}
	if until == nil || !now.Before(*until) {
		return 0
	}
	return until.Sub(now)
}
