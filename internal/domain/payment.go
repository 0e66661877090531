package domain

import (
	"fmt"
	"time"
)

// PaymentPlan is the product a payment request claims to fund.
type PaymentPlan string

const (
	// PaymentStarter grants a fixed credit bundle and leaves the account plan unchanged.
	PaymentStarter PaymentPlan = "starter"
	// PaymentLifetime flips the account to PlanLifetime.
	PaymentLifetime PaymentPlan = "lifetime"
)

func (p PaymentPlan) Valid() bool {
	return p == PaymentStarter || p == PaymentLifetime
}

// PaymentStatus is the state of a payment request. Approved and rejected are terminal.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// PaymentRequest is an unverified claim that an external transaction funds a plan.
type PaymentRequest struct {
	ID        int64         `json:"id"`
	Token     string        `json:"-"`
	Plan      PaymentPlan   `json:"plan"`
	TxnID     string        `json:"txn_id"`
	Status    PaymentStatus `json:"status"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ApprovalOutcome is the result of an operator approval.
type ApprovalOutcome string

const (
	Applied        ApprovalOutcome = "applied"
	AlreadyApplied ApprovalOutcome = "already_applied"
)

// PlanEffects configures what an approved payment does to the funded account.
type PlanEffects struct {
	StarterCredits int64
}

// GrantFor returns the ledger grant applied when a request for plan is approved.
func (e PlanEffects) GrantFor(plan PaymentPlan) (Grant, error) {
	switch plan {
	case PaymentStarter:
		return Grant{Credits: e.StarterCredits}, nil
	case PaymentLifetime:
		lifetime := PlanLifetime
		return Grant{Plan: &lifetime}, nil
	default:
		return Grant{}, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}
}
