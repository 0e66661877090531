package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// UnfollowResult is returned for both fresh and replayed unfollows.
type UnfollowResult struct {
	TargetID string
	Plan     domain.Plan
	Balance  int64
	Replayed bool
}

type UnfollowService struct {
	sessions Sessions
	ledger   Ledger
	remote   remote.Client
	log      *zap.SugaredLogger
}

func NewUnfollowService(sessions Sessions, led Ledger, rc remote.Client, log *zap.SugaredLogger) *UnfollowService {
	return &UnfollowService{sessions: sessions, ledger: led, remote: rc, log: log}
}

// DefaultIdempotencyKey scopes an unkeyed unfollow to the scan that listed the target.
// Retries against the same scan replay; after a rescan the same target is a new attempt.
func DefaultIdempotencyKey(targetID string, scannedAt time.Time) string {
	return "unfollow:" + targetID + ":" + strconv.FormatInt(scannedAt.UnixNano(), 10)
}

// attemptKey picks the key for a request that carried none. Without a cached scan there is
// nothing to scope to, so the call is its own attempt.
func (s *UnfollowService) attemptKey(token, targetID string) string {
	if _, at, ok := s.sessions.CachedScan(token); ok {
		return DefaultIdempotencyKey(targetID, at)
	}
	return "unfollow:" + targetID + ":" + ksuid.New().String()
}

// Unfollow severs the relationship with targetID and then charges one credit.
// A remote failure leaves the ledger untouched. The only accepted inconsistency is a
// spend rejected after the remote call already succeeded; it is logged at error level.
func (s *UnfollowService) Unfollow(ctx context.Context, token, targetID, idempotencyKey string) (*UnfollowResult, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, domain.ErrInvalidTarget
	}

	// 1. Resolve session
	sc, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	acc := sc.Account
	if idempotencyKey == "" {
		idempotencyKey = s.attemptKey(token, targetID)
	}

	// 2. Idempotent replay
	prev, err := s.ledger.FindAction(ctx, token, idempotencyKey)
	if err == nil {
		s.sessions.DropCandidate(token, prev.TargetID)
		return &UnfollowResult{TargetID: prev.TargetID, Plan: acc.Plan, Balance: acc.Balance, Replayed: true}, nil
	}
	if !errors.Is(err, domain.ErrActionNotFound) {
		return nil, err
	}

	// 3. Balance pre-check, no remote call when the spend cannot succeed
	if !acc.Unmetered() && acc.Balance < 1 {
		return nil, domain.ErrInsufficientCredits
	}

	// 4. Remote side effect
	if err := s.remote.Sever(ctx, sc.Credential, acc.RemoteID, targetID); err != nil {
		return nil, handleRemoteError(ctx, s.sessions, s.log, token, "unfollow", err)
	}

	// 5. Spend
	res, err := s.ledger.TrySpend(context.WithoutCancel(ctx), domain.SpendRequest{
		Token:          token,
		Kind:           domain.ActionUnfollow,
		TargetID:       targetID,
		Delta:          -1,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		s.log.Errorw("remote unfollow succeeded but spend failed",
			"token", logger.Redact(token),
			"target_id", targetID,
			"idempotency_key", idempotencyKey,
			"error", err,
		)
		return nil, err
	}

	// 6. Cached candidate removal
	s.sessions.DropCandidate(token, targetID)

	s.log.Infow("unfollow completed",
		"token", logger.Redact(token),
		"target_id", targetID,
		"plan", res.Plan,
		"balance", res.Balance,
		"replayed", res.Replayed,
	)
	return &UnfollowResult{TargetID: targetID, Plan: res.Plan, Balance: res.Balance, Replayed: res.Replayed}, nil
}
