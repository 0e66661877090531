package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/ledger"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"github.com/punchamoorthee/unfollowops/internal/session"
	"github.com/punchamoorthee/unfollowops/internal/store"
	"github.com/punchamoorthee/unfollowops/internal/vault"
	"go.uber.org/zap"
)

const cred = "4242%3Asession%3A1"

type fixture struct {
	token    string
	fake     *remote.Fake
	ledger   *ledger.Service
	binder   *session.Binder
	scan     *ScanService
	unfollow *UnfollowService
}

func users(ids ...string) []domain.RemoteUser {
	out := make([]domain.RemoteUser, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.RemoteUser{ID: id, Handle: "h_" + id})
	}
	return out
}

func newFixture(t *testing.T, freeCredits int64) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	led := ledger.NewService(store.NewMemoryStore(), freeCredits, log)
	fake := remote.NewFake()
	fake.Add(cred, remote.FakeAccount{
		Identity:  remote.Identity{RemoteID: "42", Handle: "alice"},
		Following: users("a", "b", "c", "d"),
		Followers: users("b", "d", "z"),
	})
	sealer, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}
	binder := session.NewBinder(led, fake, sealer, session.NewScanCache(time.Hour), log)
	bound, err := binder.Bind(context.Background(), cred, "")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	return &fixture{
		token:    bound.Token,
		fake:     fake,
		ledger:   led,
		binder:   binder,
		scan:     NewScanService(binder, fake, 50, 12000, 0, log),
		unfollow: NewUnfollowService(binder, led, fake, log),
	}
}

func TestScanCachesCandidates(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.scan.Scan(ctx, f.token, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(res.Candidates) != 2 || res.Candidates[0].ID != "a" || res.Candidates[1].ID != "c" {
		t.Fatalf("Expected candidates a, c; got %+v", res.Candidates)
	}
	if res.Mutual != 2 {
		t.Fatalf("Expected 2 mutuals, got %d", res.Mutual)
	}

	cached, at, err := f.scan.Cached(ctx, f.token)
	if err != nil || at.IsZero() || len(cached.Candidates) != 2 {
		t.Fatalf("Expected cached result, got %+v at %v, %v", cached, at, err)
	}
}

func TestScanFetchFailureAbortsWithoutCaching(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.fake.Fail("list_followers", remote.ErrRateLimited)

	if _, err := f.scan.Scan(ctx, f.token, ScanOptions{}); !errors.Is(err, remote.ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	cached, _, err := f.scan.Cached(ctx, f.token)
	if err != nil || len(cached.Candidates) != 0 {
		t.Fatalf("Expected empty cache after failed scan, got %+v, %v", cached, err)
	}
}

func TestScanAuthExpiryInvalidatesSession(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.fake.Expire(cred)

	if _, err := f.scan.Scan(ctx, f.token, ScanOptions{}); !errors.Is(err, domain.ErrCredentialExpired) {
		t.Fatalf("Expected ErrCredentialExpired, got %v", err)
	}
	if _, err := f.binder.Resolve(ctx, f.token); !errors.Is(err, domain.ErrCredentialExpired) {
		t.Fatalf("Expected session invalidated, got %v", err)
	}
}

func TestUnfollowChargesAndDropsCandidate(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	if _, err := f.scan.Scan(ctx, f.token, ScanOptions{}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	res, err := f.unfollow.Unfollow(ctx, f.token, "a", "")
	if err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}
	if res.Balance != 9 || res.Replayed {
		t.Fatalf("Expected balance 9, got %+v", res)
	}
	cached, _, _ := f.scan.Cached(ctx, f.token)
	if len(cached.Candidates) != 1 || cached.Candidates[0].ID != "c" {
		t.Fatalf("Expected only c left in cache, got %+v", cached.Candidates)
	}
	for _, u := range f.fake.Following(cred) {
		if u.ID == "a" {
			t.Fatalf("Expected a removed from remote following")
		}
	}
}

func TestUnfollowRetryDoesNotDoubleCharge(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	if _, err := f.scan.Scan(ctx, f.token, ScanOptions{}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if _, err := f.unfollow.Unfollow(ctx, f.token, "a", ""); err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}
	res, err := f.unfollow.Unfollow(ctx, f.token, "a", "")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !res.Replayed || res.Balance != 9 {
		t.Fatalf("Expected replay at balance 9, got %+v", res)
	}
	if f.fake.SeverCalls() != 1 {
		t.Fatalf("Expected one remote call, got %d", f.fake.SeverCalls())
	}
}

func TestUnfollowAfterRescanIsNewAttempt(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	if _, err := f.scan.Scan(ctx, f.token, ScanOptions{}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if _, err := f.unfollow.Unfollow(ctx, f.token, "a", ""); err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}

	// a is followed again out of band
	f.fake.Add(cred, remote.FakeAccount{
		Identity:  remote.Identity{RemoteID: "42", Handle: "alice"},
		Following: users("a", "b", "c", "d"),
		Followers: users("b", "d", "z"),
	})
	res, err := f.scan.Scan(ctx, f.token, ScanOptions{})
	if err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
	if len(res.Candidates) != 2 || res.Candidates[0].ID != "a" {
		t.Fatalf("Expected a listed again, got %+v", res.Candidates)
	}

	second, err := f.unfollow.Unfollow(ctx, f.token, "a", "")
	if err != nil {
		t.Fatalf("Second unfollow failed: %v", err)
	}
	if second.Replayed || second.Balance != 8 {
		t.Fatalf("Expected a fresh charged unfollow at balance 8, got %+v", second)
	}
	if f.fake.SeverCalls() != 2 {
		t.Fatalf("Expected two remote calls, got %d", f.fake.SeverCalls())
	}
	for _, u := range f.fake.Following(cred) {
		if u.ID == "a" {
			t.Fatalf("Expected a removed from remote following")
		}
	}
}

func TestUnfollowExplicitKeyReplaysWithoutScan(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.unfollow.Unfollow(ctx, f.token, "a", "client-key-1"); err != nil {
			t.Fatalf("Unfollow %d failed: %v", i, err)
		}
	}
	acc, _ := f.ledger.GetAccount(ctx, f.token)
	if acc.Balance != 9 || f.fake.SeverCalls() != 1 {
		t.Fatalf("Expected one charge and one remote call, got balance %d and %d calls", acc.Balance, f.fake.SeverCalls())
	}
}

func TestUnfollowInsufficientSkipsRemote(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.unfollow.Unfollow(context.Background(), f.token, "a", ""); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got %v", err)
	}
	if f.fake.SeverCalls() != 0 {
		t.Fatalf("Expected no remote call, got %d", f.fake.SeverCalls())
	}
}

func TestUnfollowRemoteFailureLeavesLedger(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for _, failure := range []error{remote.ErrRateLimited, remote.ErrTimeout, remote.ErrUnavailable} {
		f.fake.Fail("sever", failure)
		if _, err := f.unfollow.Unfollow(ctx, f.token, "a", ""); !errors.Is(err, failure) {
			t.Fatalf("Expected %v, got %v", failure, err)
		}
	}
	acc, _ := f.ledger.GetAccount(ctx, f.token)
	if acc.Balance != 3 {
		t.Fatalf("Expected balance untouched at 3, got %d", acc.Balance)
	}
	history, _ := f.ledger.History(ctx, f.token, 10)
	if len(history) != 0 {
		t.Fatalf("Expected no action records, got %d", len(history))
	}
}

func TestUnfollowAuthExpiry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.fake.Expire(cred)

	if _, err := f.unfollow.Unfollow(ctx, f.token, "a", ""); !errors.Is(err, domain.ErrCredentialExpired) {
		t.Fatalf("Expected ErrCredentialExpired, got %v", err)
	}
	if _, err := f.unfollow.Unfollow(ctx, f.token, "b", ""); !errors.Is(err, domain.ErrCredentialExpired) {
		t.Fatalf("Expected expired session on next call, got %v", err)
	}
}

func TestUnfollowConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.unfollow.Unfollow(ctx, f.token, fmt.Sprintf("t%d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, domain.ErrInsufficientCredits) {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("Expected exactly one charged unfollow, got %d", ok)
	}
	acc, _ := f.ledger.GetAccount(ctx, f.token)
	if acc.Balance != 0 {
		t.Fatalf("Expected balance 0, got %d", acc.Balance)
	}
}

func TestUnfollowLifetimeUnmetered(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	lifetime := domain.PlanLifetime
	if _, err := f.ledger.Grant(ctx, f.token, domain.Grant{Plan: &lifetime}); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	for _, target := range []string{"a", "c"} {
		res, err := f.unfollow.Unfollow(ctx, f.token, target, "")
		if err != nil {
			t.Fatalf("Unfollow failed: %v", err)
		}
		if res.Plan != domain.PlanLifetime || res.Balance != 0 {
			t.Fatalf("Expected lifetime result at balance 0, got %+v", res)
		}
	}
}

func TestUnfollowRequiresTarget(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.unfollow.Unfollow(context.Background(), f.token, "  ", ""); !errors.Is(err, domain.ErrInvalidTarget) {
		t.Fatalf("Expected ErrInvalidTarget, got %v", err)
	}
}

// gatedClient holds relationship listings until release is closed.
type gatedClient struct {
	*remote.Fake
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func (g *gatedClient) ListRelationships(ctx context.Context, c remote.Credential, remoteID string, kind remote.Kind, pageSize int) ([]domain.RemoteUser, error) {
	g.enteredOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Fake.ListRelationships(ctx, c, remoteID, kind, pageSize)
}

func TestScanSurvivesCanceledPeer(t *testing.T) {
	f := newFixture(t, 10)
	gated := &gatedClient{Fake: f.fake, entered: make(chan struct{}), release: make(chan struct{})}
	scans := NewScanService(f.binder, gated, 50, 12000, 0, zap.NewNop().Sugar())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := scans.Scan(first, f.token, ScanOptions{})
		firstErr <- err
	}()
	<-gated.entered

	type outcome struct {
		n   int
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := scans.Scan(context.Background(), f.token, ScanOptions{})
		second <- outcome{len(res.Candidates), err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected canceled caller to get context.Canceled, got %v", err)
	}
	close(gated.release)

	got := <-second
	if got.err != nil || got.n != 2 {
		t.Fatalf("Expected second caller to get 2 candidates, got %d, %v", got.n, got.err)
	}
	if _, _, ok := f.binder.CachedScan(f.token); !ok {
		t.Fatalf("Expected the shared scan to be cached")
	}
}
