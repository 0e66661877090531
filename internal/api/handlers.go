package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/ledger"
	"github.com/punchamoorthee/unfollowops/internal/payment"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"github.com/punchamoorthee/unfollowops/internal/service"
	"github.com/punchamoorthee/unfollowops/internal/session"
	"go.uber.org/zap"
)

const (
	headerSession     = "X-Session-Token"
	headerAdminKey    = "X-Admin-Key"
	headerIdempotency = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

type Handler struct {
	binder         *session.Binder
	ledger         *ledger.Service
	payments       *payment.Tracker
	scans          *service.ScanService
	unfollows      *service.UnfollowService
	adminKey       string
	paymentAddress string
	log            *zap.SugaredLogger
}

type Deps struct {
	Binder         *session.Binder
	Ledger         *ledger.Service
	Payments       *payment.Tracker
	Scans          *service.ScanService
	Unfollows      *service.UnfollowService
	AdminKey       string
	PaymentAddress string
	Log            *zap.SugaredLogger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		binder:         d.Binder,
		ledger:         d.Ledger,
		payments:       d.Payments,
		scans:          d.Scans,
		unfollows:      d.Unfollows,
		adminKey:       d.AdminKey,
		paymentAddress: d.PaymentAddress,
		log:            d.Log,
	}
}

type loginRequest struct {
	Cookies string `json:"cookies"`
}

type scanRequest struct {
	Whitelist []string `json:"whitelist"`
	Smart     bool     `json:"smart"`
}

type unfollowRequest struct {
	UserID string `json:"user_id"`
}

type submitPaymentRequest struct {
	Plan  domain.PaymentPlan `json:"plan"`
	TxnID string             `json:"txn_id"`
}

type adminTxnRequest struct {
	TxnID string `json:"txn_id"`
	Note  string `json:"note"`
}

type grantRequest struct {
	Token   string       `json:"token"`
	Credits int64        `json:"credits"`
	Plan    *domain.Plan `json:"plan"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	bound, err := h.binder.Bind(r.Context(), req.Cookies, r.Header.Get(headerSession))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"token":    bound.Token,
		"username": bound.Account.Handle,
		"plan":     bound.Account.Plan,
		"balance":  bound.Account.Balance,
	})
}

func (h *Handler) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.scans.Scan(r.Context(), r.Header.Get(headerSession), service.ScanOptions{
		Allowlist: req.Whitelist,
		Heuristic: req.Smart,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"users":       res.Candidates,
		"count":       len(res.Candidates),
		"mutual":      res.Mutual,
		"allowlisted": res.Allowlisted,
		"filtered":    res.Filtered,
	})
}

func (h *Handler) CachedScanHandler(w http.ResponseWriter, r *http.Request) {
	res, at, err := h.scans.Cached(r.Context(), r.Header.Get(headerSession))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	body := map[string]any{
		"users":       res.Candidates,
		"count":       len(res.Candidates),
		"mutual":      res.Mutual,
		"allowlisted": res.Allowlisted,
		"filtered":    res.Filtered,
	}
	if !at.IsZero() {
		body["scanned_at"] = at.UTC().Format(time.RFC3339)
	}
	respondWithJSON(w, http.StatusOK, body)
}

func (h *Handler) UnfollowHandler(w http.ResponseWriter, r *http.Request) {
	var req unfollowRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.unfollows.Unfollow(r.Context(), r.Header.Get(headerSession), req.UserID, r.Header.Get(headerIdempotency))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	var remaining any
	if res.Plan != domain.PlanLifetime {
		remaining = res.Balance
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"user_id":   res.TargetID,
		"plan":      res.Plan,
		"remaining": remaining,
		"replayed":  res.Replayed,
	})
}

func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerSession)
	acc, err := h.ledger.GetAccount(r.Context(), token)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	history, err := h.ledger.History(r.Context(), token, 20)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"username":       acc.Handle,
		"remote_id":      acc.RemoteID,
		"plan":           acc.Plan,
		"balance":        acc.Balance,
		"session_valid":  len(acc.Credential) > 0,
		"recent_actions": history,
	})
}

func (h *Handler) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req submitPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token := r.Header.Get(headerSession)
	if _, err := h.ledger.GetAccount(r.Context(), token); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	pr, err := h.payments.Submit(r.Context(), token, req.Plan, req.TxnID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pr)
}

func (h *Handler) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerSession)
	if _, err := h.ledger.GetAccount(r.Context(), token); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	list, err := h.payments.ListFor(r.Context(), token)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"requests":        list,
		"payment_address": h.paymentAddress,
	})
}

func (h *Handler) ApprovePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req adminTxnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := h.payments.Approve(r.Context(), req.TxnID)
	if err != nil {
		h.respondWithAdminError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"result": outcome})
}

func (h *Handler) RejectPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req adminTxnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pr, err := h.payments.Reject(r.Context(), req.TxnID, req.Note)
	if err != nil {
		h.respondWithAdminError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pr)
}

func (h *Handler) GrantHandler(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acc, err := h.ledger.Grant(r.Context(), req.Token, domain.Grant{Credits: req.Credits, Plan: req.Plan})
	if err != nil {
		h.respondWithAdminError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"username": acc.Handle,
		"plan":     acc.Plan,
		"balance":  acc.Balance,
	})
}

// RequireAdmin guards operator routes with a constant-time ADMIN_GRANT_KEY comparison.
// Admin routes are disabled when no key is configured.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			respondWithError(w, http.StatusForbidden, "Admin endpoints disabled")
			return
		}
		got := r.Header.Get(headerAdminKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminKey)) != 1 {
			h.log.Warnw("admin key rejected", "request_id", requestID(r), "remote", r.RemoteAddr)
			respondWithError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondWithAdminError differs from the user-facing mapping only in that an unknown
// account is a missing resource rather than a bad session.
func (h *Handler) respondWithAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrAccountNotFound) {
		respondWithError(w, http.StatusNotFound, "Account not found")
		return
	}
	h.respondWithDomainError(w, r, err)
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCredential):
		respondWithError(w, http.StatusBadRequest, "Invalid credential format")
	case errors.Is(err, domain.ErrInvalidTxnFormat):
		respondWithError(w, http.StatusBadRequest, "Transaction id must be 64 hex characters")
	case errors.Is(err, domain.ErrInvalidPlan),
		errors.Is(err, domain.ErrInvalidDelta),
		errors.Is(err, domain.ErrInvalidGrant),
		errors.Is(err, domain.ErrInvalidTarget):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing session token")
	case errors.Is(err, domain.ErrCredentialExpired):
		respondWithError(w, http.StatusUnauthorized, "Session expired, login again")
	case errors.Is(err, domain.ErrRemoteAuthFailed):
		respondWithError(w, http.StatusUnauthorized, "Credential rejected by remote service")
	case errors.Is(err, domain.ErrPaymentNotFound):
		respondWithError(w, http.StatusNotFound, "Payment request not found")
	case errors.Is(err, domain.ErrInsufficientCredits):
		respondWithError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, domain.ErrDuplicateTxn),
		errors.Is(err, domain.ErrPaymentRejected),
		errors.Is(err, domain.ErrPaymentNotPending),
		errors.Is(err, domain.ErrIdentityConflict):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, remote.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "Remote service is rate limiting, try again shortly")
	case errors.Is(err, remote.ErrTimeout):
		respondWithError(w, http.StatusGatewayTimeout, "Remote service timed out")
	case errors.Is(err, remote.ErrUnavailable):
		respondWithError(w, http.StatusBadGateway, "Remote service error")
	case errors.Is(err, context.Canceled):
		respondWithError(w, http.StatusRequestTimeout, "Request canceled")
	default:
		h.log.Errorw("request failed", "request_id", requestID(r), "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
