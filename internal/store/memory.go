package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/domain"
)

// MemoryStore is a process-local implementation of the same contract as Store.
// It backs STORE_BACKEND=memory and the unit tests. Each account carries its own
// mutex, so spends on one token serialize while different tokens proceed in parallel.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	byRemote map[string]string

	payMu    sync.Mutex
	payments map[string]*domain.PaymentRequest

	actionSeq  atomic.Int64
	paymentSeq atomic.Int64
}

type memAccount struct {
	mu      sync.Mutex
	acc     domain.Account
	actions []domain.ActionRecord
	keys    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		byRemote: make(map[string]string),
		payments: make(map[string]*domain.PaymentRequest),
	}
}

func (m *MemoryStore) lookup(token string) (*memAccount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[token]
	return a, ok
}

// locked returns the account under token with its mutex held. A rebind can move the
// account to a new token between the map read and the lock, so the token is checked again.
func (m *MemoryStore) locked(token string) (*memAccount, bool) {
	a, ok := m.lookup(token)
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	if a.acc.Token != token {
		a.mu.Unlock()
		return nil, false
	}
	return a, true
}

func (m *MemoryStore) GetAccount(_ context.Context, token string) (*domain.Account, error) {
	a, ok := m.locked(token)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	defer a.mu.Unlock()
	return a.snapshot(), nil
}

func (m *MemoryStore) UpsertAccount(_ context.Context, in domain.IdentityUpsert, startingCredits int64) (*domain.Account, error) {
	// Lock order is payMu, mu, account.
	m.payMu.Lock()
	defer m.payMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()

	if a, ok := m.accounts[in.Token]; ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		if owner, taken := m.byRemote[in.RemoteID]; taken && owner != in.Token {
			return nil, domain.ErrIdentityConflict
		}
		delete(m.byRemote, a.acc.RemoteID)
		m.byRemote[in.RemoteID] = in.Token
		a.acc.RemoteID = in.RemoteID
		a.acc.Handle = in.Handle
		a.acc.Credential = cloneBytes(in.Credential)
		a.acc.UpdatedAt = now
		return a.snapshot(), nil
	}

	if old, ok := m.byRemote[in.RemoteID]; ok {
		a := m.accounts[old]
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(m.accounts, old)
		m.accounts[in.Token] = a
		m.byRemote[in.RemoteID] = in.Token
		a.acc.Token = in.Token
		a.acc.Handle = in.Handle
		a.acc.Credential = cloneBytes(in.Credential)
		a.acc.UpdatedAt = now
		for i := range a.actions {
			a.actions[i].Token = in.Token
		}
		m.retokenPayments(old, in.Token)
		return a.snapshot(), nil
	}

	a := &memAccount{
		acc: domain.Account{
			Token:      in.Token,
			RemoteID:   in.RemoteID,
			Handle:     in.Handle,
			Plan:       domain.PlanFree,
			Balance:    startingCredits,
			Credential: cloneBytes(in.Credential),
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		keys: make(map[string]int),
	}
	m.accounts[in.Token] = a
	m.byRemote[in.RemoteID] = in.Token
	return a.snapshot(), nil
}

// retokenPayments mirrors ON UPDATE CASCADE. Caller holds payMu.
func (m *MemoryStore) retokenPayments(oldToken, newToken string) {
	for _, p := range m.payments {
		if p.Token == oldToken {
			p.Token = newToken
		}
	}
}

func (m *MemoryStore) ClearCredential(_ context.Context, token string) error {
	a, ok := m.locked(token)
	if !ok {
		return domain.ErrAccountNotFound
	}
	defer a.mu.Unlock()
	a.acc.Credential = nil
	a.acc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Spend(_ context.Context, req domain.SpendRequest) (*domain.SpendResult, error) {
	a, ok := m.locked(req.Token)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	defer a.mu.Unlock()

	if i, ok := a.keys[req.IdempotencyKey]; ok {
		return &domain.SpendResult{Action: a.actions[i], Plan: a.acc.Plan, Balance: a.acc.Balance, Replayed: true}, nil
	}

	delta := req.Delta
	if a.acc.Plan == domain.PlanLifetime {
		delta = 0
	} else {
		if a.acc.Balance+delta < 0 {
			return nil, domain.ErrInsufficientCredits
		}
		a.acc.Balance += delta
	}
	now := time.Now().UTC()
	a.acc.UpdatedAt = now

	action := domain.ActionRecord{
		ID:             m.actionSeq.Add(1),
		Token:          req.Token,
		Kind:           req.Kind,
		TargetID:       req.TargetID,
		CreditDelta:    delta,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	a.keys[req.IdempotencyKey] = len(a.actions)
	a.actions = append(a.actions, action)
	return &domain.SpendResult{Action: action, Plan: a.acc.Plan, Balance: a.acc.Balance}, nil
}

func (m *MemoryStore) FindAction(_ context.Context, token, idempotencyKey string) (*domain.ActionRecord, error) {
	a, ok := m.locked(token)
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	defer a.mu.Unlock()
	i, ok := a.keys[idempotencyKey]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	action := a.actions[i]
	return &action, nil
}

func (m *MemoryStore) ListActions(_ context.Context, token string, limit int) ([]domain.ActionRecord, error) {
	out := make([]domain.ActionRecord, 0)
	a, ok := m.locked(token)
	if !ok {
		return out, nil
	}
	defer a.mu.Unlock()
	for i := len(a.actions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.actions[i])
	}
	return out, nil
}

func (m *MemoryStore) Grant(_ context.Context, token string, g domain.Grant) (*domain.Account, error) {
	a, ok := m.locked(token)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	defer a.mu.Unlock()
	a.apply(g)
	return a.snapshot(), nil
}

func (m *MemoryStore) CreatePaymentRequest(_ context.Context, req *domain.PaymentRequest) error {
	m.payMu.Lock()
	defer m.payMu.Unlock()

	if _, ok := m.lookup(req.Token); !ok {
		return domain.ErrAccountNotFound
	}
	if _, dup := m.payments[req.TxnID]; dup {
		return domain.ErrDuplicateTxn
	}
	now := time.Now().UTC()
	req.ID = m.paymentSeq.Add(1)
	req.Status = domain.PaymentPending
	req.CreatedAt = now
	req.UpdatedAt = now
	stored := *req
	m.payments[req.TxnID] = &stored
	return nil
}

func (m *MemoryStore) ListPaymentRequests(_ context.Context, token string) ([]domain.PaymentRequest, error) {
	m.payMu.Lock()
	defer m.payMu.Unlock()

	out := make([]domain.PaymentRequest, 0)
	for _, p := range m.payments {
		if p.Token == token {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) ApprovePaymentRequest(_ context.Context, txnID string, effects domain.PlanEffects) (domain.ApprovalOutcome, *domain.PaymentRequest, error) {
	m.payMu.Lock()
	defer m.payMu.Unlock()

	p, ok := m.payments[txnID]
	if !ok {
		return "", nil, domain.ErrPaymentNotFound
	}
	switch p.Status {
	case domain.PaymentApproved:
		out := *p
		return domain.AlreadyApplied, &out, nil
	case domain.PaymentRejected:
		out := *p
		return "", &out, domain.ErrPaymentRejected
	}

	grant, err := effects.GrantFor(p.Plan)
	if err != nil {
		return "", nil, err
	}
	a, ok := m.locked(p.Token)
	if !ok {
		return "", nil, domain.ErrAccountNotFound
	}
	a.apply(grant)
	a.mu.Unlock()

	p.Status = domain.PaymentApproved
	p.UpdatedAt = time.Now().UTC()
	out := *p
	return domain.Applied, &out, nil
}

func (m *MemoryStore) RejectPaymentRequest(_ context.Context, txnID, note string) (*domain.PaymentRequest, error) {
	m.payMu.Lock()
	defer m.payMu.Unlock()

	p, ok := m.payments[txnID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentPending {
		return nil, domain.ErrPaymentNotPending
	}
	p.Status = domain.PaymentRejected
	p.Note = note
	p.UpdatedAt = time.Now().UTC()
	out := *p
	return &out, nil
}

func (a *memAccount) apply(g domain.Grant) {
	a.acc.Balance += g.Credits
	if g.Plan != nil {
		a.acc.Plan = *g.Plan
	}
	a.acc.UpdatedAt = time.Now().UTC()
}

func (a *memAccount) snapshot() *domain.Account {
	out := a.acc
	out.Credential = cloneBytes(a.acc.Credential)
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
