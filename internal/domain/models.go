package domain

import (
	"time"
)

// Plan is the billing plan of an identity account.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanLifetime Plan = "lifetime"
)

// Valid reports whether p is a known account plan.
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanLifetime
}

// Account represents one end-user's bound remote account and its credit state.
// Balance is only meaningful for PlanFree.
type Account struct {
	Token      string    `json:"-"`
	RemoteID   string    `json:"remote_id"`
	Handle     string    `json:"handle"`
	Plan       Plan      `json:"plan"`
	Balance    int64     `json:"balance"`
	Credential []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Unmetered reports whether spends skip the balance check entirely.
func (a *Account) Unmetered() bool {
	return a.Plan == PlanLifetime
}

// IdentityUpsert carries the fields refreshed on every successful credential verification.
type IdentityUpsert struct {
	Token      string
	RemoteID   string
	Handle     string
	Credential []byte
}

// ActionKind names a ledger-affecting action.
type ActionKind string

const ActionUnfollow ActionKind = "unfollow"

// ActionRecord is the append-only audit entry written by a successful spend.
type ActionRecord struct {
	ID             int64      `json:"id"`
	Token          string     `json:"-"`
	Kind           ActionKind `json:"kind"`
	TargetID       string     `json:"target_id"`
	CreditDelta    int64      `json:"credit_delta"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SpendRequest is the input to the atomic spend-or-reject primitive.
type SpendRequest struct {
	Token          string
	Kind           ActionKind
	TargetID       string
	Delta          int64
	IdempotencyKey string
}

// SpendResult describes a successful (or replayed) spend.
type SpendResult struct {
	Action   ActionRecord `json:"action"`
	Plan     Plan         `json:"plan"`
	Balance  int64        `json:"balance"`
	Replayed bool         `json:"replayed"`
}

// Grant is an administrative mutation of an account's credit state.
// A nil Plan leaves the plan unchanged.
type Grant struct {
	Credits int64 `json:"credits"`
	Plan    *Plan `json:"plan,omitempty"`
}

// RemoteUser is one entry of a relationship snapshot returned by the remote service.
// FollowerCount is nil when the remote service omitted it.
type RemoteUser struct {
	ID            string `json:"pk"`
	Handle        string `json:"username"`
	FollowerCount *int64 `json:"follower_count,omitempty"`
	Verified      bool   `json:"is_verified"`
}

// Followers returns the follower count, treating a missing value as zero.
func (u RemoteUser) Followers() int64 {
	if u.FollowerCount == nil {
		return 0
	}
	return *u.FollowerCount
}

// Candidate is one non-follower in a scan result.
type Candidate struct {
	ID        string `json:"pk"`
	Handle    string `json:"username"`
	Followers int64  `json:"followers"`
	Verified  bool   `json:"verified"`
}
