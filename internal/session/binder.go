// Package session binds remote credentials to opaque session tokens and resolves them back.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/diff"
	"github.com/punchamoorthee/unfollowops/internal/domain"
	"github.com/punchamoorthee/unfollowops/internal/logger"
	"github.com/punchamoorthee/unfollowops/internal/remote"
	"github.com/punchamoorthee/unfollowops/internal/vault"
	"go.uber.org/zap"
)

// Accounts is the slice of the ledger the binder needs.
type Accounts interface {
	GetAccount(ctx context.Context, token string) (*domain.Account, error)
	UpsertOnVerify(ctx context.Context, in domain.IdentityUpsert) (*domain.Account, error)
	ClearCredential(ctx context.Context, token string) error
}

type Binder struct {
	accounts Accounts
	remote   remote.Client
	sealer   *vault.Sealer
	cache    *ScanCache
	log      *zap.SugaredLogger
}

// Binding is the result of a successful login.
type Binding struct {
	Token   string
	Account *domain.Account
	Rotated bool
}

// Context is a resolved session: the ledger account plus the usable remote credential.
type Context struct {
	Token      string
	Account    *domain.Account
	Credential remote.Credential
}

func NewBinder(accounts Accounts, rc remote.Client, sealer *vault.Sealer, cache *ScanCache, log *zap.SugaredLogger) *Binder {
	return &Binder{accounts: accounts, remote: rc, sealer: sealer, cache: cache, log: log}
}

// Bind verifies raw with the remote service and binds it to a session token. existingToken is
// reused when it already belongs to the same remote account; otherwise a new token is minted
// and any earlier token of that remote account stops resolving.
func (b *Binder) Bind(ctx context.Context, raw, existingToken string) (*Binding, error) {
	cred, err := ParseCredential(raw)
	if err != nil {
		return nil, err
	}

	id, err := b.remote.VerifyCredential(ctx, cred)
	if err != nil {
		if errors.Is(err, remote.ErrAuthExpired) {
			return nil, domain.ErrRemoteAuthFailed
		}
		return nil, err
	}

	sealed, err := b.sealer.Seal([]byte(cred))
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	token := ""
	if existingToken != "" {
		prev, err := b.accounts.GetAccount(ctx, existingToken)
		switch {
		case err == nil && prev.RemoteID == id.RemoteID:
			token = existingToken
		case err != nil && !errors.Is(err, domain.ErrAccountNotFound):
			return nil, err
		}
	}
	rotated := token == ""
	if rotated {
		if token, err = NewToken(); err != nil {
			return nil, err
		}
	}

	acc, err := b.accounts.UpsertOnVerify(ctx, domain.IdentityUpsert{
		Token:      token,
		RemoteID:   id.RemoteID,
		Handle:     id.Handle,
		Credential: sealed,
	})
	if err != nil {
		return nil, err
	}
	if existingToken != "" && existingToken != token {
		b.cache.Delete(existingToken)
	}

	b.log.Infow("session bound", "token", logger.Redact(token), "remote_id", id.RemoteID, "handle", id.Handle, "rotated", rotated)
	return &Binding{Token: token, Account: acc, Rotated: rotated}, nil
}

// Resolve loads the account behind token and opens its credential.
func (b *Binder) Resolve(ctx context.Context, token string) (*Context, error) {
	if token == "" {
		return nil, domain.ErrAccountNotFound
	}
	acc, err := b.accounts.GetAccount(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(acc.Credential) == 0 {
		return nil, domain.ErrCredentialExpired
	}
	plain, err := b.sealer.Open(acc.Credential)
	if err != nil {
		b.log.Warnw("stored credential cannot be opened", "token", logger.Redact(token))
		return nil, domain.ErrCredentialExpired
	}
	return &Context{Token: token, Account: acc, Credential: remote.Credential(plain)}, nil
}

// Invalidate forgets the remote credential and cached scan after the remote service rejected it.
func (b *Binder) Invalidate(ctx context.Context, token string) error {
	b.cache.Delete(token)
	if err := b.accounts.ClearCredential(ctx, token); err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return err
	}
	b.log.Infow("session invalidated", "token", logger.Redact(token))
	return nil
}

func (b *Binder) CacheScan(token string, r diff.Result) {
	b.cache.Put(token, r)
}

func (b *Binder) CachedScan(token string) (diff.Result, time.Time, bool) {
	return b.cache.Get(token)
}

func (b *Binder) DropCandidate(token, targetID string) {
	b.cache.DropCandidate(token, targetID)
}

// NewToken returns 16 random bytes as 32 lowercase hex characters.
func NewToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
