// Package payment records operator-verified payment claims and applies their plan effects.
package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"go.uber.org/zap"
)

var approvalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unfollowops_payment_approvals_total",
	Help: "Operator approval attempts by outcome",
}, []string{"outcome"})

// txnIDLen is the hex length of a TRC20 transaction hash.
const txnIDLen = 64

type Store interface {
	CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error
	ListPaymentRequests(ctx context.Context, token string) ([]domain.PaymentRequest, error)
	ApprovePaymentRequest(ctx context.Context, txnID string, effects domain.PlanEffects) (domain.ApprovalOutcome, *domain.PaymentRequest, error)
	RejectPaymentRequest(ctx context.Context, txnID, note string) (*domain.PaymentRequest, error)
}

type Tracker struct {
	store   Store
	effects domain.PlanEffects
	log     *zap.SugaredLogger
}

func NewTracker(s Store, effects domain.PlanEffects, log *zap.SugaredLogger) *Tracker {
	return &Tracker{store: s, effects: effects, log: log}
}

// NormalizeTxnID lowercases a transaction hash and strips an optional 0x prefix.
func NormalizeTxnID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = strings.TrimPrefix(id, "0x")
	if len(id) != txnIDLen {
		return "", domain.ErrInvalidTxnFormat
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", domain.ErrInvalidTxnFormat
	}
	return id, nil
}

// Submit records a pending request. A transaction id can be submitted only once, ever.
func (t *Tracker) Submit(ctx context.Context, token string, plan domain.PaymentPlan, txnID string) (*domain.PaymentRequest, error) {
	if !plan.Valid() {
		return nil, domain.ErrInvalidPlan
	}
	id, err := NormalizeTxnID(txnID)
	if err != nil {
		return nil, err
	}

	req := &domain.PaymentRequest{Token: token, Plan: plan, TxnID: id}
	if err := t.store.CreatePaymentRequest(ctx, req); err != nil {
		if errors.Is(err, domain.ErrDuplicateTxn) {
			t.log.Warnw("duplicate transaction id submitted", "token", logger.Redact(token), "txn_id", id)
		}
		return nil, err
	}
	t.log.Infow("payment request submitted", "id", req.ID, "token", logger.Redact(token), "plan", plan, "txn_id", id)
	return req, nil
}

func (t *Tracker) ListFor(ctx context.Context, token string) ([]domain.PaymentRequest, error) {
	return t.store.ListPaymentRequests(ctx, token)
}

// Approve applies the request's plan effect exactly once. Re-approving an approved
// request reports AlreadyApplied and changes nothing.
func (t *Tracker) Approve(ctx context.Context, txnID string) (domain.ApprovalOutcome, error) {
	id, err := NormalizeTxnID(txnID)
	if err != nil {
		return "", err
	}
	outcome, req, err := t.store.ApprovePaymentRequest(ctx, id, t.effects)
	if err != nil {
		approvalTotal.WithLabelValues("error").Inc()
		return "", err
	}
	approvalTotal.WithLabelValues(string(outcome)).Inc()
	t.log.Infow("payment request approved", "id", req.ID, "token", logger.Redact(req.Token), "plan", req.Plan, "outcome", outcome)
	return outcome, nil
}

func (t *Tracker) Reject(ctx context.Context, txnID, note string) (*domain.PaymentRequest, error) {
	id, err := NormalizeTxnID(txnID)
	if err != nil {
		return nil, err
	}
	req, err := t.store.RejectPaymentRequest(ctx, id, strings.TrimSpace(note))
	if err != nil {
		return nil, err
	}
	t.log.Infow("payment request rejected", "id", req.ID, "token", logger.Redact(req.Token))
	return req, nil
}
