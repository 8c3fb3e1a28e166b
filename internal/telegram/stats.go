package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/suspectuso/ton-paywall/internal/access"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// Stats summarizes the session store
type Stats struct {
	Sessions      int
	Paid          int
	InTrial       int
	Received      int64
	Swept         int64
	FailingSweeps int
}

func collectStats(sessions []*storage.Session, now time.Time) Stats {
	var st Stats
	for _, s := range sessions {
		st.Sessions++
		if s.IsPaid {
			st.Paid++
			st.Received += s.AmountReceived
		} else if access.Evaluate(s, now).Reason == access.ReasonTrialActive {
			st.InTrial++
		}
		st.Swept += s.SweptTotal
		if s.LastSweepOutcome == storage.SweepFail {
			st.FailingSweeps++
		}
	}
	return st
}

func formatStats(st Stats, state sweep.State, last *sweep.Result, lastAt time.Time) string {
	lines := []string{
		"📊 <b>Paywall stats</b>",
		"",
		fmt.Sprintf("Sessions: <b>%d</b> (trial: %d, paid: %d)", st.Sessions, st.InTrial, st.Paid),
		fmt.Sprintf("Received: <b>%s TON</b>", formatTON(st.Received)),
		fmt.Sprintf("Swept: <b>%s TON</b>", formatTON(st.Swept)),
	}
	if st.FailingSweeps > 0 {
		lines = append(lines, fmt.Sprintf("Failing sweeps: <b>%d</b>", st.FailingSweeps))
	}

	lines = append(lines, "", fmt.Sprintf("Sweeper: <b>%s</b>", state))
	if last != nil {
		lines = append(lines, fmt.Sprintf("Last run %s: %d ok, %d failed, %d skipped",
			lastAt.UTC().Format("2006-01-02 15:04 MST"), last.Succeeded, last.Failed, last.Skipped))
	} else {
		lines = append(lines, "No sweep has run yet")
	}
	return strings.Join(lines, "\n")
}

func formatResult(r sweep.Result) string {
	return fmt.Sprintf("🧹 <b>Sweep finished</b>\n\n"+
		"Succeeded: <b>%d</b>\nFailed: <b>%d</b>\nSkipped: <b>%d</b>\nTransferred: <b>%s TON</b>",
		r.Succeeded, r.Failed, r.Skipped, formatTON(r.TotalTransferred))
}

func formatAttempt(a sweep.Attempt) string {
	switch a.Outcome {
	case sweep.OutcomeSuccess:
		return fmt.Sprintf("✅ Swept <b>%s TON</b> from <code>%s</code>", formatTON(a.AmountAttempted), a.SessionID)
	case sweep.OutcomeSkip:
		return fmt.Sprintf("⏭ Skipped <code>%s</code>: %s", a.SessionID, html.EscapeString(a.Reason))
	default:
		return fmt.Sprintf("❌ Sweep of <code>%s</code> failed: %s", a.SessionID, html.EscapeString(a.Reason))
	}
}

func formatTON(nano int64) string {
	return fmt.Sprintf("%.4f", tonapi.NanoToTON(nano))
}
