package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

// RedirectRepo persists completed federated sign-ins until the client's
// session consumes them.
type RedirectRepo struct {
	db *sqlx.DB
}

func NewRedirectRepo(db *sqlx.DB) *RedirectRepo {
	return &RedirectRepo{db: db}
}

func (r *RedirectRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS pending_redirects (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  provider TEXT NOT NULL,
  is_new BOOLEAN NOT NULL DEFAULT false,
  expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_redirects_expires ON pending_redirects(expires_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *RedirectRepo) Save(ctx context.Context, res entity.RedirectResult) error {
	const q = `INSERT INTO pending_redirects (id, account_id, provider, is_new, expires_at)
		VALUES (:id, :account_id, :provider, :is_new, :expires_at)`
	_, err := r.db.NamedExecContext(ctx, q, res)
	return mapErr(err)
}

// Consume deletes and returns the pending result in one statement, so two
// concurrent consumers can never both observe it. Missing or expired entries
// yield nil, nil.
func (r *RedirectRepo) Consume(ctx context.Context, id string) (*entity.RedirectResult, error) {
	const q = `DELETE FROM pending_redirects WHERE id = $1
		RETURNING id, account_id, provider, is_new, expires_at`
	var res entity.RedirectResult
	if err := r.db.GetContext(ctx, &res, q, id); err != nil {
		if mapErr(err) == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if res.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &res, nil
}

// Purge removes expired entries that were never consumed.
func (r *RedirectRepo) Purge(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_redirects WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
