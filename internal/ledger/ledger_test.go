package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/store"
	"go.uber.org/zap"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore(), 10, zap.NewNop().Sugar())
}

func bind(t *testing.T, s *Service, token, remoteID string) *domain.Account {
	t.Helper()
	acc, err := s.UpsertOnVerify(context.Background(), domain.IdentityUpsert{Token: token, RemoteID: remoteID, Handle: "h_" + remoteID})
	if err != nil {
		t.Fatalf("UpsertOnVerify failed: %v", err)
	}
	return acc
}

func unfollow(token, target string) domain.SpendRequest {
	return domain.SpendRequest{Token: token, TargetID: target, Delta: -1, IdempotencyKey: "unfollow:" + target}
}

func TestUpsertOnVerifyStartsWithFreeCredits(t *testing.T) {
	s := newService(t)
	acc := bind(t, s, "tok", "42")
	if acc.Plan != domain.PlanFree || acc.Balance != 10 {
		t.Fatalf("Expected free plan with 10 credits, got %s with %d", acc.Plan, acc.Balance)
	}
}

func TestUpsertOnVerifyPreservesBalanceAndPlan(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	bind(t, s, "tok", "42")
	lifetime := domain.PlanLifetime
	if _, err := s.Grant(ctx, "tok", domain.Grant{Credits: 5, Plan: &lifetime}); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	acc := bind(t, s, "tok", "42")
	if acc.Plan != domain.PlanLifetime || acc.Balance != 15 {
		t.Fatalf("Expected lifetime with 15 credits, got %s with %d", acc.Plan, acc.Balance)
	}
}

func TestTrySpendConcurrentTenCredits(t *testing.T) {
	s := newService(t)
	bind(t, s, "tok", "42")

	var wg sync.WaitGroup
	results := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TrySpend(context.Background(), unfollow("tok", fmt.Sprintf("target-%d", i)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if ok != 10 || insufficient != 40 {
		t.Fatalf("Expected 10 successes and 40 rejections, got %d and %d", ok, insufficient)
	}

	acc, _ := s.GetAccount(context.Background(), "tok")
	if acc.Balance != 0 {
		t.Fatalf("Expected final balance 0, got %d", acc.Balance)
	}
	history, _ := s.History(context.Background(), "tok", 100)
	if len(history) != 10 {
		t.Fatalf("Expected 10 action records, got %d", len(history))
	}
}

func TestTrySpendLifetimeNeverTouchesBalance(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	bind(t, s, "tok", "42")
	lifetime := domain.PlanLifetime
	if _, err := s.Grant(ctx, "tok", domain.Grant{Plan: &lifetime}); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	for i := 0; i < 25; i++ {
		res, err := s.TrySpend(ctx, unfollow("tok", fmt.Sprintf("t%d", i)))
		if err != nil {
			t.Fatalf("TrySpend failed: %v", err)
		}
		if res.Plan != domain.PlanLifetime {
			t.Fatalf("Expected lifetime plan, got %s", res.Plan)
		}
	}
	acc, _ := s.GetAccount(ctx, "tok")
	if acc.Balance != 10 {
		t.Fatalf("Expected balance 10, got %d", acc.Balance)
	}
}

func TestTrySpendReplayDoesNotDebitTwice(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	bind(t, s, "tok", "42")

	if _, err := s.TrySpend(ctx, unfollow("tok", "a")); err != nil {
		t.Fatalf("TrySpend failed: %v", err)
	}
	res, err := s.TrySpend(ctx, unfollow("tok", "a"))
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !res.Replayed || res.Balance != 9 {
		t.Fatalf("Expected replayed result at balance 9, got %+v", res)
	}
}

func TestTrySpendValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	bind(t, s, "tok", "42")

	cases := []struct {
		name string
		req  domain.SpendRequest
		want error
	}{
		{"zero delta", domain.SpendRequest{Token: "tok", TargetID: "a", IdempotencyKey: "k"}, domain.ErrInvalidDelta},
		{"positive delta", domain.SpendRequest{Token: "tok", TargetID: "a", Delta: 3, IdempotencyKey: "k"}, domain.ErrInvalidDelta},
		{"missing target", domain.SpendRequest{Token: "tok", Delta: -1, IdempotencyKey: "k"}, domain.ErrInvalidTarget},
		{"unknown token", unfollow("nope", "a"), domain.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.TrySpend(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGrantRejectsNegativeCredits(t *testing.T) {
	s := newService(t)
	bind(t, s, "tok", "42")
	if _, err := s.Grant(context.Background(), "tok", domain.Grant{Credits: -1}); !errors.Is(err, domain.ErrInvalidGrant) {
		t.Fatalf("Expected ErrInvalidGrant, got %v", err)
	}
	bogus := domain.Plan("gold")
	if _, err := s.Grant(context.Background(), "tok", domain.Grant{Plan: &bogus}); !errors.Is(err, domain.ErrInvalidPlan) {
		t.Fatalf("Expected ErrInvalidPlan, got %v", err)
	}
	if _, err := s.Grant(context.Background(), "nope", domain.Grant{Credits: 1}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}
}
