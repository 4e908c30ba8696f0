package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// AccountRepo provides data access for the accounts and federated_identities tables.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the accounts tables if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  email CITEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  photo_url TEXT,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  password_hash TEXT,
  password_algo TEXT,
  password_updated_at TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'active',
  login_failed_attempts INT NOT NULL DEFAULT 0,
  locked_until TIMESTAMPTZ,
  last_login_at TIMESTAMPTZ,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS federated_identities (
  provider TEXT NOT NULL,
  subject TEXT NOT NULL,
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (provider, subject)
);
CREATE INDEX IF NOT EXISTS idx_federated_identities_account ON federated_identities(account_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const accountColumns = `id, email, display_name, photo_url, email_verified, password_hash,
	password_algo, password_updated_at, status, login_failed_attempts, locked_until,
	last_login_at, version, created_at, updated_at`

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, email, display_name, photo_url, email_verified, password_hash, password_algo, password_updated_at, status, version)
		VALUES (:id, :email, :display_name, :photo_url, :email_verified, :password_hash, :password_algo, :password_updated_at, :status, :version)
		RETURNING created_at, updated_at`
	rows, err := r.db.NamedQueryContext(ctx, q, a)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&a.CreatedAt, &a.UpdatedAt)
	}
	return rows.Err()
}

// GetByID fetches a full account row.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// GetByEmail returns an account matched by email (case-insensitive due to citext).
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// GetByFederated resolves a provider subject to its linked account.
func (r *AccountRepo) GetByFederated(ctx context.Context, provider, subject string) (*entity.Account, error) {
	const q = `SELECT a.id, a.email, a.display_name, a.photo_url, a.email_verified, a.password_hash,
		a.password_algo, a.password_updated_at, a.status, a.login_failed_attempts, a.locked_until,
		a.last_login_at, a.version, a.created_at, a.updated_at
		FROM accounts a JOIN federated_identities f ON f.account_id = a.id
		WHERE f.provider=$1 AND f.subject=$2`
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, provider, subject); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// LinkFederated maps a provider subject to an account.
func (r *AccountRepo) LinkFederated(ctx context.Context, accountID, provider, subject string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO federated_identities (provider, subject, account_id) VALUES ($1, $2, $3)`,
		provider, subject, accountID)
	return mapErr(err)
}

// IncrementFailedLogin increments the failure counter atomically and returns new value.
func (r *AccountRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	const q = `UPDATE accounts SET login_failed_attempts = login_failed_attempts + 1, updated_at=NOW() WHERE id=$1 RETURNING login_failed_attempts`
	var v int
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, mapErr(err)
	}
	return v, nil
}

// LockIfThreshold locks the account if attempts >= threshold and currently active.
func (r *AccountRepo) LockIfThreshold(ctx context.Context, id string, threshold int, lockFor time.Duration) (bool, error) {
	const q = `UPDATE accounts SET status='locked', locked_until = $2, updated_at=NOW()
		WHERE id=$1 AND status='active' AND login_failed_attempts >= $3 RETURNING 1`
	var one int
	err := r.db.GetContext(ctx, &one, q, id, time.Now().Add(lockFor), threshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResetLoginSuccess resets failure metrics on successful authentication.
func (r *AccountRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	const q = `UPDATE accounts SET login_failed_attempts=0, last_login_at=NOW(), locked_until=NULL, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// UnlockIfExpired sets status back to active if locked_until passed.
func (r *AccountRepo) UnlockIfExpired(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE accounts SET status='active', locked_until=NULL, login_failed_attempts=0, updated_at=NOW()
		WHERE id=$1 AND status='locked' AND locked_until IS NOT NULL AND locked_until < NOW() RETURNING 1`
	var one int
	err := r.db.GetContext(ctx, &one, q, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BumpVersion increments version for token invalidation and returns the new value.
func (r *AccountRepo) BumpVersion(ctx context.Context, id string) (int64, error) {
	const q = `UPDATE accounts SET version = version + 1, updated_at=NOW() WHERE id=$1 RETURNING version`
	var v int64
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, mapErr(err)
	}
	return v, nil
}

// UpdatePassword replaces the stored hash without touching the token version.
func (r *AccountRepo) UpdatePassword(ctx context.Context, id, hash, algo string) error {
	const q = `UPDATE accounts SET password_hash=$2, password_algo=$3, password_updated_at=NOW(), updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, hash, algo)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
