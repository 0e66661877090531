// Package service orchestrates scans and unfollow actions across the session, remote,
// diff and ledger packages.
package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/diff"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/session"
)

// Sessions is the binder surface used by scans and unfollows.
type Sessions interface {
	Resolve(ctx context.Context, token string) (*session.Context, error)
	Invalidate(ctx context.Context, token string) error
	CacheScan(token string, r diff.Result)
	CachedScan(token string) (diff.Result, time.Time, bool)
	DropCandidate(token, targetID string)
}

// Ledger is the credit surface used by unfollows.
type Ledger interface {
	TrySpend(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error)
	FindAction(ctx context.Context, token, idempotencyKey string) (*domain.ActionRecord, error)
	GetAccount(ctx context.Context, token string) (*domain.Account, error)
}
