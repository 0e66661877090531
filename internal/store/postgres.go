package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/unfollowops/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const accountColumns = `token, remote_id, handle, plan, balance, credential, created_at, updated_at`

const paymentColumns = `id, token, plan, txn_id, status, note, created_at, updated_at`

// Store is the Postgres-backed ledger, action log and payment request store.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// GetAccount retrieves an identity account by session token.
func (s *Store) GetAccount(ctx context.Context, token string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE token = $1", token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// UpsertAccount creates or refreshes the account for a verified identity.
// An existing row for the same remote account is moved to the new token so each
// remote account keeps a single balance. Balance and plan are never touched on update.
func (s *Store) UpsertAccount(ctx context.Context, in domain.IdentityUpsert, startingCredits int64) (*domain.Account, error) {
	acc, err := s.upsertAccount(ctx, in, startingCredits)
	if isPgCode(err, pgUniqueViolation) {
		// Lost an insert race for the same remote id or token; the winner's row now exists.
		acc, err = s.upsertAccount(ctx, in, startingCredits)
	}
	return acc, err
}

func (s *Store) upsertAccount(ctx context.Context, in domain.IdentityUpsert, startingCredits int64) (*domain.Account, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, "SELECT remote_id FROM accounts WHERE token = $1 FOR UPDATE", in.Token).Scan(&current)
	switch {
	case err == nil:
		acc, err := scanAccount(tx.QueryRow(ctx,
			`UPDATE accounts SET remote_id = $2, handle = $3, credential = $4, updated_at = NOW()
			 WHERE token = $1 RETURNING `+accountColumns,
			in.Token, in.RemoteID, in.Handle, in.Credential))
		if err != nil {
			if isPgCode(err, pgUniqueViolation) {
				return nil, domain.ErrIdentityConflict
			}
			return nil, fmt.Errorf("refresh account: %w", err)
		}
		return acc, commit(ctx, tx)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("lock account: %w", err)
	}

	acc, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET token = $1, handle = $3, credential = $4, updated_at = NOW()
		 WHERE remote_id = $2 RETURNING `+accountColumns,
		in.Token, in.RemoteID, in.Handle, in.Credential))
	if err == nil {
		return acc, commit(ctx, tx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rebind account: %w", err)
	}

	acc, err = scanAccount(tx.QueryRow(ctx,
		`INSERT INTO accounts (token, remote_id, handle, credential, plan, balance)
		 VALUES ($1, $2, $3, $4, 'free', $5) RETURNING `+accountColumns,
		in.Token, in.RemoteID, in.Handle, in.Credential, startingCredits))
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acc, commit(ctx, tx)
}

// ClearCredential drops the persisted remote credential after the remote service rejected it.
func (s *Store) ClearCredential(ctx context.Context, token string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET credential = NULL, updated_at = NOW() WHERE token = $1", token)
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Spend is the atomic spend-or-reject primitive. The account row is locked for the
// duration of the transaction, so spends against one token are serialized while
// different tokens never contend.
func (s *Store) Spend(ctx context.Context, req domain.SpendRequest) (*domain.SpendResult, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the account
	var plan string
	var balance int64
	err = tx.QueryRow(ctx, "SELECT plan, balance FROM accounts WHERE token = $1 FOR UPDATE", req.Token).Scan(&plan, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	// 2. Idempotent replay
	prev, err := scanAction(tx.QueryRow(ctx,
		`SELECT id, token, kind, target_id, credit_delta, idempotency_key, created_at
		 FROM actions WHERE token = $1 AND idempotency_key = $2`, req.Token, req.IdempotencyKey))
	if err == nil {
		return &domain.SpendResult{Action: *prev, Plan: domain.Plan(plan), Balance: balance, Replayed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	// 3. Conditional debit
	delta := req.Delta
	if domain.Plan(plan) == domain.PlanLifetime {
		delta = 0
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
			 WHERE token = $1 AND balance + $2 >= 0 RETURNING balance`,
			req.Token, delta).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrInsufficientCredits
			}
			return nil, fmt.Errorf("balance update failed: %w", err)
		}
	}

	// 4. Audit record
	action, err := scanAction(tx.QueryRow(ctx,
		`INSERT INTO actions (token, kind, target_id, credit_delta, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, token, kind, target_id, credit_delta, idempotency_key, created_at`,
		req.Token, string(req.Kind), req.TargetID, delta, req.IdempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("action insert failed: %w", err)
	}

	if err := commit(ctx, tx); err != nil {
		return nil, err
	}
	return &domain.SpendResult{Action: *action, Plan: domain.Plan(plan), Balance: balance}, nil
}

func (s *Store) FindAction(ctx context.Context, token, idempotencyKey string) (*domain.ActionRecord, error) {
	action, err := scanAction(s.Db.QueryRow(ctx,
		`SELECT id, token, kind, target_id, credit_delta, idempotency_key, created_at
		 FROM actions WHERE token = $1 AND idempotency_key = $2`, token, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrActionNotFound
		}
		return nil, fmt.Errorf("find action: %w", err)
	}
	return action, nil
}

// ListActions returns the most recent action records for a token.
func (s *Store) ListActions(ctx context.Context, token string, limit int) ([]domain.ActionRecord, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, token, kind, target_id, credit_delta, idempotency_key, created_at
		 FROM actions WHERE token = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]domain.ActionRecord, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// Grant applies an administrative credit and/or plan change.
func (s *Store) Grant(ctx context.Context, token string, g domain.Grant) (*domain.Account, error) {
	acc, err := applyGrant(ctx, s.Db, token, g)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("grant: %w", err)
	}
	return acc, nil
}

// CreatePaymentRequest inserts a pending request. The unique txn_id constraint is the
// replay defence; a violation maps to ErrDuplicateTxn.
func (s *Store) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO payment_requests (token, plan, txn_id, status, note)
		 VALUES ($1, $2, $3, 'pending', $4) RETURNING id, status, created_at, updated_at`,
		req.Token, string(req.Plan), req.TxnID, req.Note,
	).Scan(&req.ID, (*string)(&req.Status), &req.CreatedAt, &req.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case isPgCode(err, pgUniqueViolation):
		return domain.ErrDuplicateTxn
	case isPgCode(err, pgForeignKeyViolation):
		return domain.ErrAccountNotFound
	default:
		return fmt.Errorf("payment insert failed: %w", err)
	}
}

func (s *Store) ListPaymentRequests(ctx context.Context, token string) ([]domain.PaymentRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+paymentColumns+" FROM payment_requests WHERE token = $1 ORDER BY created_at DESC, id DESC", token)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PaymentRequest, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ApprovePaymentRequest flips a pending request to approved and applies its plan effect
// in the same transaction. Concurrent approvals serialize on the request row lock.
func (s *Store) ApprovePaymentRequest(ctx context.Context, txnID string, effects domain.PlanEffects) (domain.ApprovalOutcome, *domain.PaymentRequest, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := scanPayment(tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payment_requests WHERE txn_id = $1 FOR UPDATE", txnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, domain.ErrPaymentNotFound
		}
		return "", nil, fmt.Errorf("lock payment: %w", err)
	}

	switch req.Status {
	case domain.PaymentApproved:
		return domain.AlreadyApplied, req, nil
	case domain.PaymentRejected:
		return "", req, domain.ErrPaymentRejected
	}

	grant, err := effects.GrantFor(req.Plan)
	if err != nil {
		return "", nil, err
	}
	if _, err := applyGrant(ctx, tx, req.Token, grant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, domain.ErrAccountNotFound
		}
		return "", nil, fmt.Errorf("apply grant: %w", err)
	}

	updated, err := scanPayment(tx.QueryRow(ctx,
		`UPDATE payment_requests SET status = 'approved', updated_at = NOW()
		 WHERE id = $1 RETURNING `+paymentColumns, req.ID))
	if err != nil {
		return "", nil, fmt.Errorf("mark approved: %w", err)
	}

	if err := commit(ctx, tx); err != nil {
		return "", nil, err
	}
	return domain.Applied, updated, nil
}

// RejectPaymentRequest moves a pending request to rejected.
func (s *Store) RejectPaymentRequest(ctx context.Context, txnID, note string) (*domain.PaymentRequest, error) {
	req, err := scanPayment(s.Db.QueryRow(ctx,
		`UPDATE payment_requests SET status = 'rejected', note = $2, updated_at = NOW()
		 WHERE txn_id = $1 AND status = 'pending' RETURNING `+paymentColumns, txnID, note))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reject payment: %w", err)
	}

	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payment_requests WHERE txn_id = $1)", txnID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("reject payment: %w", err)
	}
	if !exists {
		return nil, domain.ErrPaymentNotFound
	}
	return nil, domain.ErrPaymentNotPending
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func applyGrant(ctx context.Context, q querier, token string, g domain.Grant) (*domain.Account, error) {
	var plan *string
	if g.Plan != nil {
		p := string(*g.Plan)
		plan = &p
	}
	return scanAccount(q.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, plan = COALESCE($3, plan), updated_at = NOW()
		 WHERE token = $1 RETURNING `+accountColumns,
		token, g.Credits, plan))
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var plan string
	if err := row.Scan(&a.Token, &a.RemoteID, &a.Handle, &plan, &a.Balance, &a.Credential, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Plan = domain.Plan(plan)
	return &a, nil
}

func scanAction(row pgx.Row) (*domain.ActionRecord, error) {
	var a domain.ActionRecord
	var kind string
	if err := row.Scan(&a.ID, &a.Token, &kind, &a.TargetID, &a.CreditDelta, &a.IdempotencyKey, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = domain.ActionKind(kind)
	return &a, nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRequest, error) {
	var p domain.PaymentRequest
	var plan, status string
	if err := row.Scan(&p.ID, &p.Token, &plan, &p.TxnID, &status, &p.Note, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Plan = domain.PaymentPlan(plan)
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

func commit(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
