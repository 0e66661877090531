package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/punchamoorthee/unfollowops/internal/domain"
)

// fakeNamespace derives stable remote ids for auto-provisioned fake accounts.
var fakeNamespace = uuid.MustParse("6f1d7c52-3b0e-4d6a-9a57-2f4c8e1b9d30")

// FakeAccount is one remote identity held by Fake.
type FakeAccount struct {
	Identity  Identity
	Following []domain.RemoteUser
	Followers []domain.RemoteUser
}

// Fake is an in-memory Client for tests and REMOTE_MODE=fake runs.
type Fake struct {
	mu       sync.Mutex
	accounts map[Credential]*FakeAccount
	expired  map[Credential]bool
	failures map[string]error

	// AutoProvision makes unknown credentials verify as a generated demo account.
	AutoProvision bool

	severCalls int
	listCalls  int
}

func NewFake() *Fake {
	return &Fake{
		accounts: make(map[Credential]*FakeAccount),
		expired:  make(map[Credential]bool),
		failures: make(map[string]error),
	}
}

// Add registers an account reachable with cred.
func (f *Fake) Add(cred Credential, acc FakeAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[cred] = &acc
	delete(f.expired, cred)
}

// Expire makes every later call with cred fail with ErrAuthExpired.
func (f *Fake) Expire(cred Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[cred] = true
}

// Fail makes every later call of op ("verify", "list_following", "list_followers", "sever")
// return err. A nil err clears the failure.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

func (f *Fake) SeverCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.severCalls
}

func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// Following returns a copy of the current following list for cred.
func (f *Fake) Following(cred Credential) []domain.RemoteUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[cred]
	if !ok {
		return nil
	}
	return append([]domain.RemoteUser(nil), acc.Following...)
}

func (f *Fake) account(op string, cred Credential) (*FakeAccount, error) {
	if err := f.failures[op]; err != nil {
		return nil, err
	}
	if f.expired[cred] {
		return nil, ErrAuthExpired
	}
	acc, ok := f.accounts[cred]
	if !ok && f.AutoProvision {
		acc = demoAccount(cred)
		f.accounts[cred] = acc
		ok = true
	}
	if !ok {
		return nil, ErrAuthExpired
	}
	return acc, nil
}

func (f *Fake) VerifyCredential(ctx context.Context, cred Credential) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, ctxError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, err := f.account("verify", cred)
	observe("verify", err)
	if err != nil {
		return Identity{}, err
	}
	return acc.Identity, nil
}

func (f *Fake) ListRelationships(ctx context.Context, cred Credential, remoteID string, kind Kind, _ int) ([]domain.RemoteUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	op := "list_" + string(kind)

	acc, err := f.account(op, cred)
	if err == nil && acc.Identity.RemoteID != remoteID {
		err = ErrAuthExpired
	}
	observe(op, err)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindFollowing:
		return append([]domain.RemoteUser(nil), acc.Following...), nil
	case KindFollowers:
		return append([]domain.RemoteUser(nil), acc.Followers...), nil
	default:
		return nil, fmt.Errorf("%w: unknown relationship kind %q", ErrUnavailable, kind)
	}
}

func (f *Fake) Sever(ctx context.Context, cred Credential, remoteID, targetID string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.severCalls++

	acc, err := f.account("sever", cred)
	if err == nil && acc.Identity.RemoteID != remoteID {
		err = ErrAuthExpired
	}
	observe("sever", err)
	if err != nil {
		return err
	}
	kept := acc.Following[:0]
	for _, u := range acc.Following {
		if u.ID != targetID {
			kept = append(kept, u)
		}
	}
	acc.Following = kept
	return nil
}

// FakeIdentity is the identity an auto-provisioning Fake reports for cred.
func FakeIdentity(cred Credential) Identity {
	id := uuid.NewSHA1(fakeNamespace, []byte(cred))
	return Identity{RemoteID: id.String(), Handle: "demo_" + id.String()[:8]}
}

// demoAccount generates a deterministic account: 60 followed users, every third following back,
// with a few verified or high-follower accounts mixed in.
func demoAccount(cred Credential) *FakeAccount {
	acc := &FakeAccount{Identity: FakeIdentity(cred)}
	id := uuid.MustParse(acc.Identity.RemoteID)
	for i := 0; i < 60; i++ {
		count := int64(100 + i*37)
		if i%10 == 9 {
			count = 50000
		}
		u := domain.RemoteUser{
			ID:            uuid.NewSHA1(id, []byte(fmt.Sprintf("user-%d", i))).String(),
			Handle:        fmt.Sprintf("user_%02d", i),
			FollowerCount: &count,
			Verified:      i%15 == 14,
		}
		acc.Following = append(acc.Following, u)
		if i%3 == 0 {
			acc.Followers = append(acc.Followers, u)
		}
	}
	return acc
}
