package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/suspectuso/ton-paywall/internal/access"
	"github.com/suspectuso/ton-paywall/internal/payment"
	"github.com/suspectuso/ton-paywall/internal/session"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
)

const maxBodySize = 64 << 10

// Deps are the components the HTTP surface drives
type Deps struct {
	Sessions  *session.Service
	Verifier  *payment.Verifier
	Intents   *payment.Intents
	Checker   *payment.Checker
	Scheduler *sweep.Scheduler
	Limiter   RateLimiter
}

// Options configure authentication and the completion proxy
type Options struct {
	WebhookSecret string
	AdminToken    string
	CompletionURL string
}

// Server is the public HTTP surface: payment webhooks, session bootstrap,
// access checks, payment intents, admin sweeps and the completion proxy
type Server struct {
	deps Deps
	opts Options
	log  *slog.Logger

	server *http.Server
}

func NewServer(opts Options, deps Deps, log *slog.Logger) *Server {
	return &Server{
		deps: deps,
		opts: opts,
		log:  log,
	}
}

// Handler builds the request router
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/webhook/", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)

	mux.Handle("/api/session", s.limited(http.HandlerFunc(s.handleSession)))
	mux.Handle("/api/access", s.limited(http.HandlerFunc(s.handleAccess)))
	mux.Handle("/api/payment", s.limited(http.HandlerFunc(s.handlePayment)))
	mux.Handle("/api/payment/check", s.limited(http.HandlerFunc(s.handlePaymentCheck)))
	mux.HandleFunc("/api/admin/sweep", s.handleAdminSweep)

	if s.opts.CompletionURL != "" {
		proxy, err := s.completionProxy(s.opts.CompletionURL)
		if err != nil {
			return nil, err
		}
		mux.Handle("/api/chat/", s.limited(proxy))
	}

	return mux, nil
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.log.Info("starting http server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"sweep":  string(s.deps.Scheduler.State()),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if s.opts.WebhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
			s.log.Warn("webhook with bad secret", "remote", clientIP(r))
			writeError(w, http.StatusUnauthorized, "bad webhook secret")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	// TonAPI also delivers mempool and contract events we have no use for
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if json.Unmarshal(body, &envelope) == nil && (envelope.EventType == "mempool_msg" || envelope.EventType == "new_contract") {
		w.WriteHeader(http.StatusOK)
		return
	}

	n, err := payment.Normalize(body)
	if err != nil {
		s.log.Warn("invalid webhook payload", "error", err)
		s.writeErr(w, err)
		return
	}

	if n.Address != "" {
		if n.Address, err = ValidateAddress(n.Address); err != nil {
			s.writeErr(w, err)
			return
		}
	}

	s.log.Debug("webhook received",
		"address", n.Address,
		"amount", n.Amount,
		"tx_ref", n.TxRef,
	)

	commit, err := s.deps.Verifier.VerifyAndCommit(r.Context(), payment.Claim{
		Hint:      n.Hint(),
		Address:   n.Address,
		LedgerRef: n.TxRef,
		Amount:    n.Amount,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"committed": true,
		"duplicate": commit.Duplicate,
		"sessionId": commit.Session.ID,
		"access":    access.Evaluate(commit.Session, time.Now()),
	})
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	SessionID       string        `json:"sessionId"`
	IsNew           bool          `json:"isNew"`
	HasAccess       bool          `json:"hasAccess"`
	Reason          access.Reason `json:"reason"`
	TrialExpiresAt  *time.Time    `json:"trialExpiresAt,omitempty"`
	AccessExpiresAt *time.Time    `json:"accessExpiresAt,omitempty"`
	RemainingSecs   int64         `json:"remainingSeconds"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sessionRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	requested := ""
	if req.SessionID != "" {
		id, err := ValidateSessionID(req.SessionID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		requested = id
	}

	res, err := s.deps.Sessions.Bootstrap(r.Context(), requested, session.Fingerprint(r.UserAgent(), clientIP(r)))
	if err != nil {
		s.log.Error("bootstrap session", "error", err)
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:       res.Session.ID,
		IsNew:           res.IsNew,
		HasAccess:       res.Decision.Granted,
		Reason:          res.Decision.Reason,
		TrialExpiresAt:  res.Decision.TrialExpiresAt,
		AccessExpiresAt: res.Decision.AccessExpiresAt,
		RemainingSecs:   int64(res.Decision.Remaining(time.Now()).Seconds()),
	})
}

// handleAccess always answers 200 with a decision; malformed ids are unknown
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, err := ValidateSessionID(r.URL.Query().Get("sessionId"))
	if err != nil {
		id = ""
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Check(r.Context(), id))
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := ValidateSessionID(req.SessionID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	intent, err := s.deps.Intents.Create(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type checkRequest struct {
	SessionID string `json:"sessionId"`
	TxRef     string `json:"txRef"`
}

func (s *Server) handlePaymentCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := ValidateSessionID(req.SessionID)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	commit, err := s.deps.Checker.Check(r.Context(), id, strings.TrimSpace(req.TxRef))
	if err != nil {
		s.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"committed": true,
		"duplicate": commit.Duplicate,
		"sessionId": commit.Session.ID,
		"access":    access.Evaluate(commit.Session, time.Now()),
	})
}

type adminSweepRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizedAdmin(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req adminSweepRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	switch req.Action {
	case "transfer_all":
		result, err := s.deps.Scheduler.RunManual(r.Context())
		if errors.Is(err, sweep.ErrSweepQueued) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
			return
		}
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "transfer_single":
		id, err := ValidateSessionID(req.SessionID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		attempt, err := s.deps.Scheduler.SweepSession(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, attempt)

	default:
		s.writeErr(w, &payment.ValidationError{Field: "action", Message: "want transfer_all or transfer_single"})
	}
}

func (s *Server) authorizedAdmin(r *http.Request) bool {
	if s.opts.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) == 1
}

func (s *Server) limited(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining := s.deps.Limiter.Allow(clientIP(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeErr maps domain errors to status codes
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var verr *payment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, payment.ErrInsufficientAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, payment.ErrNoPayment):
		writeError(w, http.StatusNotFound, "no qualifying payment found")
	case errors.Is(err, payment.ErrReferenceReused), errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrAddressMismatch), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sweep.ErrFatalConfig):
		s.log.Error("sweep misconfigured", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return &payment.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	return nil
}

// decodeOptional accepts an empty body
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &payment.ValidationError{Field: "body", Message: "invalid JSON"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
