// Package remote talks to the third-party social account service on behalf of a bound identity.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/unfollowops/internal/domain"
)

var (
	ErrRateLimited = errors.New("remote service rate limited")
	ErrAuthExpired = errors.New("remote credential rejected")
	ErrTimeout     = errors.New("remote service timed out")
	ErrUnavailable = errors.New("remote service unavailable")
)

var callTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unfollowops_remote_calls_total",
	Help: "Remote service calls by operation and outcome",
}, []string{"op", "outcome"})

// Credential is the opaque session secret for the remote service.
type Credential string

// String keeps the secret out of logs and fmt output.
func (Credential) String() string {
	return "[credential]"
}

// Identity is what the remote service reports for a verified credential.
type Identity struct {
	RemoteID string `json:"pk"`
	Handle   string `json:"username"`
}

// Kind selects a relationship list.
type Kind string

const (
	KindFollowing Kind = "following"
	KindFollowers Kind = "followers"
)

// Client is the capability surface the service needs from the remote account service.
// Implementations return the typed errors above; callers never retry.
type Client interface {
	VerifyCredential(ctx context.Context, cred Credential) (Identity, error)
	ListRelationships(ctx context.Context, cred Credential, remoteID string, kind Kind, pageSize int) ([]domain.RemoteUser, error)
	Sever(ctx context.Context, cred Credential, remoteID, targetID string) error
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

func observe(op string, err error) {
	callTotal.WithLabelValues(op, outcome(err)).Inc()
}

// ctxError maps a caller context error. A deadline is a timeout; cancellation stays context.Canceled.
func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
