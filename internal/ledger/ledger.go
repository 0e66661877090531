// Package ledger owns per-identity credit balances and the atomic spend-or-reject primitive.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"go.uber.org/zap"
)

var spendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unfollowops_ledger_spends_total",
	Help: "Spend attempts by outcome",
}, []string{"outcome"})

// Store is the persistence contract. Spend must serialize per token and be atomic.
type Store interface {
	GetAccount(ctx context.Context, token string) (*domain.Account, error)
	UpsertAccount(ctx context.Context, in domain.IdentityUpsert, startingCredits int64) (*domain.Account, error)
	ClearCredential(ctx context.Context, token string) error
	Spend(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error)
	FindAction(ctx context.Context, token, idempotencyKey string) (*domain.ActionRecord, error)
	ListActions(ctx context.Context, token string, limit int) ([]domain.ActionRecord, error)
	Grant(ctx context.Context, token string, g domain.Grant) (*domain.Account, error)
}

type Service struct {
	store       Store
	freeCredits int64
	log         *zap.SugaredLogger
}

func NewService(s Store, freeCredits int64, log *zap.SugaredLogger) *Service {
	return &Service{store: s, freeCredits: freeCredits, log: log}
}

func (s *Service) GetAccount(ctx context.Context, token string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, token)
}

// UpsertOnVerify creates the account with the free starting balance on first sight,
// otherwise refreshes the identity fields only.
func (s *Service) UpsertOnVerify(ctx context.Context, in domain.IdentityUpsert) (*domain.Account, error) {
	if in.Token == "" || in.RemoteID == "" {
		return nil, fmt.Errorf("upsert: token and remote id required")
	}
	acc, err := s.store.UpsertAccount(ctx, in, s.freeCredits)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("account upserted", "token", logger.Redact(acc.Token), "remote_id", acc.RemoteID, "plan", acc.Plan)
	return acc, nil
}

// TrySpend debits a free account by -Delta or records an unmetered action for a lifetime
// account. A replayed idempotency key returns the recorded result without mutation.
func (s *Service) TrySpend(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error) {
	if req.Delta >= 0 {
		return nil, domain.ErrInvalidDelta
	}
	if req.TargetID == "" {
		return nil, domain.ErrInvalidTarget
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("spend: idempotency key required")
	}
	if req.Kind == "" {
		req.Kind = domain.ActionUnfollow
	}

	res, err := s.store.Spend(ctx, req)
	switch {
	case err == nil:
		if res.Replayed {
			spendTotal.WithLabelValues("replayed").Inc()
		} else {
			spendTotal.WithLabelValues(string(res.Plan)).Inc()
		}
		return res, nil
	case errors.Is(err, domain.ErrInsufficientCredits):
		spendTotal.WithLabelValues("insufficient").Inc()
		return nil, err
	case errors.Is(err, domain.ErrAccountNotFound):
		return nil, err
	default:
		spendTotal.WithLabelValues("error").Inc()
		s.log.Errorw("spend failed", "token", logger.Redact(req.Token), "error", err)
		return nil, fmt.Errorf("spend: %w", err)
	}
}

func (s *Service) FindAction(ctx context.Context, token, idempotencyKey string) (*domain.ActionRecord, error) {
	return s.store.FindAction(ctx, token, idempotencyKey)
}

// Grant is the administrative credit/plan adjustment.
func (s *Service) Grant(ctx context.Context, token string, g domain.Grant) (*domain.Account, error) {
	if g.Credits < 0 {
		return nil, domain.ErrInvalidGrant
	}
	if g.Plan != nil && !g.Plan.Valid() {
		return nil, domain.ErrInvalidPlan
	}
	acc, err := s.store.Grant(ctx, token, g)
	if err != nil {
		return nil, err
	}
	s.log.Infow("grant applied", "token", logger.Redact(token), "credits", g.Credits, "plan", acc.Plan, "balance", acc.Balance)
	return acc, nil
}

// History returns the most recent action records, newest first.
func (s *Service) History(ctx context.Context, token string, limit int) ([]domain.ActionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListActions(ctx, token, limit)
}

func (s *Service) ClearCredential(ctx context.Context, token string) error {
	return s.store.ClearCredential(ctx, token)
}
