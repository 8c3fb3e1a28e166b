package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// Sender delivers an HTML message to a chat
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error
}

// Notifier tells the operator about payments and sweeps
type Notifier struct {
	sender  Sender
	chatID  int64
	testnet bool
	log     *slog.Logger
}

// New creates a Notifier. A nil sender or zero chat only logs.
func New(sender Sender, chatID int64, testnet bool, log *slog.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		chatID:  chatID,
		testnet: testnet,
		log:     log,
	}
}

// PaymentCommitted announces a newly paid session
func (n *Notifier) PaymentCommitted(ctx context.Context, s *storage.Session) {
	n.log.Info("payment committed",
		"session_id", s.ID,
		"amount", s.AmountReceived,
		"tx_ref", s.PaymentTxRef,
	)
	n.send(ctx, n.formatPayment(s))
}

// BatchCompleted reports a finished batch. Runs where nothing happened are
// not worth a message.
func (n *Notifier) BatchCompleted(ctx context.Context, r sweep.Result, err error) {
	if err == nil && r.Succeeded == 0 && r.Failed == 0 {
		return
	}
	n.send(ctx, formatBatch(r, err))
}

// SessionSwept reports a single-session sweep unless it was skipped
func (n *Notifier) SessionSwept(ctx context.Context, a sweep.Attempt) {
	if a.Outcome == sweep.OutcomeSkip {
		return
	}
	n.send(ctx, n.formatAttempt(a))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if n.sender == nil || n.chatID == 0 {
		return
	}
	if err := n.sender.SendNotification(ctx, n.chatID, text, nil); err != nil {
		n.log.Error("send notification", "error", err)
	}
}

func (n *Notifier) formatPayment(s *storage.Session) string {
	lines := []string{
		"<b>💰 Payment received</b>",
		"",
		fmt.Sprintf("+%s TON 🟩", formatTON(s.AmountReceived)),
		"",
		fmt.Sprintf("Session: <code>%s</code>", html.EscapeString(s.ID)),
		fmt.Sprintf("Wallet: %s", n.addressLink(s.CustodialAddress)),
	}
	if s.AccessExpiresAt != nil {
		lines = append(lines, fmt.Sprintf("Access until: %s", s.AccessExpiresAt.UTC().Format("2006-01-02 15:04 MST")))
	}
	return strings.Join(lines, "\n")
}

func (n *Notifier) formatAttempt(a sweep.Attempt) string {
	var lines []string
	if a.Outcome == sweep.OutcomeSuccess {
		lines = append(lines,
			"<b>🧹 Wallet swept</b>",
			"",
			fmt.Sprintf("%s TON → operator", formatTON(a.AmountAttempted)),
		)
	} else {
		lines = append(lines,
			"<b>🟥 Sweep failed</b>",
			"",
			fmt.Sprintf("Reason: <code>%s</code>", html.EscapeString(a.Reason)),
		)
	}
	lines = append(lines,
		"",
		fmt.Sprintf("Session: <code>%s</code>", html.EscapeString(a.SessionID)),
		fmt.Sprintf("Wallet: %s", n.addressLink(a.SourceAddress)),
	)
	return strings.Join(lines, "\n")
}

func formatBatch(r sweep.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("<b>🟥 Sweep run aborted</b>\n\n<code>%s</code>", html.EscapeString(err.Error()))
	}

	lines := []string{
		"<b>🧹 Sweep run finished</b>",
		"",
		fmt.Sprintf("Succeeded: <b>%d</b>", r.Succeeded),
		fmt.Sprintf("Failed: <b>%d</b>", r.Failed),
		fmt.Sprintf("Skipped: <b>%d</b>", r.Skipped),
		fmt.Sprintf("Transferred: <b>%s TON</b>", formatTON(r.TotalTransferred)),
	}

	const maxErrors = 5
	if len(r.Errors) > 0 {
		lines = append(lines, "")
		for i, e := range r.Errors {
			if i == maxErrors {
				lines = append(lines, fmt.Sprintf("… and %d more", len(r.Errors)-maxErrors))
				break
			}
			lines = append(lines, "• "+html.EscapeString(e))
		}
	}
	return strings.Join(lines, "\n")
}

func (n *Notifier) addressLink(raw string) string {
	friendly := tonapi.RawToFriendly(raw, false, n.testnet)
	host := "tonviewer.com"
	if n.testnet {
		host = "testnet.tonviewer.com"
	}
	return fmt.Sprintf("<a href='https://%s/%s'>%s</a>", host, friendly, tonapi.ShortAddr(friendly, 4))
}

func formatTON(nano int64) string {
	return fmt.Sprintf("%.4f", tonapi.NanoToTON(nano))
}
