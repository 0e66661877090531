package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/domain"
)

func TestMemorySpendAfterConcurrentRebind(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if _, err := m.UpsertAccount(ctx, domain.IdentityUpsert{Token: "old", RemoteID: "42", Handle: "h"}, 10); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	a, _ := m.lookup("old")

	// Hold the account while the spend resolves "old", then move it the way a rebind does.
	a.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := m.Spend(ctx, spend("old", "t", "k"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	delete(m.accounts, "old")
	m.accounts["new"] = a
	m.byRemote["42"] = "new"
	a.acc.Token = "new"
	m.mu.Unlock()
	a.mu.Unlock()

	if err := <-done; !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound for the stale token, got %v", err)
	}
	acc, err := m.GetAccount(ctx, "new")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Balance != 10 {
		t.Fatalf("Expected balance untouched at 10, got %d", acc.Balance)
	}
	if _, err := m.FindAction(ctx, "new", "k"); !errors.Is(err, domain.ErrActionNotFound) {
		t.Fatalf("Expected no action recorded, got %v", err)
	}
}
