package domain

import "errors"

// Validation errors.
var (
	ErrInvalidCredential = errors.New("invalid credential format")
	ErrInvalidTxnFormat  = errors.New("invalid transaction id format")
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrInvalidDelta      = errors.New("spend delta must be negative")
	ErrInvalidGrant      = errors.New("grant credits must not be negative")
	ErrInvalidTarget     = errors.New("target id required")
)

// Not-found errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrPaymentNotFound = errors.New("payment request not found")
)

// Business rejections.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrDuplicateTxn        = errors.New("transaction id already submitted")
	ErrPaymentRejected     = errors.New("payment request already rejected")
	ErrPaymentNotPending   = errors.New("payment request is not pending")
)

// Session errors.
var (
	ErrRemoteAuthFailed  = errors.New("remote authentication failed")
	ErrCredentialExpired = errors.New("remote credential expired, login again")
)

// Store-level errors.
var (
	ErrActionNotFound   = errors.New("action not found")
	ErrIdentityConflict = errors.New("remote account already bound to another session")
)
