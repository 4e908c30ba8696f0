package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
)

var ErrNotFound = errors.New("profile not found")

// ProfileRepo provides data access for the profiles table.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// EnsureTable creates the profiles table if not exists (idempotent).
func (r *ProfileRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS profiles (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  photo_url TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT '',
  farmer_id TEXT NOT NULL DEFAULT '',
  tax_number TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_profiles_role ON profiles(role);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const profileColumns = `id, display_name, email, photo_url, role, farmer_id, tax_number, created_at, updated_at`

func (r *ProfileRepo) Get(ctx context.Context, id string) (*entity.Profile, error) {
	var p entity.Profile
	err := r.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Put writes the whole record, replacing any existing one.
func (r *ProfileRepo) Put(ctx context.Context, p *entity.Profile) error {
	const q = `INSERT INTO profiles (id, display_name, email, photo_url, role, farmer_id, tax_number)
		VALUES (:id, :display_name, :email, :photo_url, :role, :farmer_id, :tax_number)
		ON CONFLICT (id) DO UPDATE SET
		  display_name = EXCLUDED.display_name,
		  email = EXCLUDED.email,
		  photo_url = EXCLUDED.photo_url,
		  role = EXCLUDED.role,
		  farmer_id = EXCLUDED.farmer_id,
		  tax_number = EXCLUDED.tax_number,
		  updated_at = NOW()
		RETURNING created_at, updated_at`
	rows, err := r.db.NamedQueryContext(ctx, q, p)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&p.CreatedAt, &p.UpdatedAt)
	}
	return rows.Err()
}

// Merge applies a partial write, creating the record when it does not exist.
func (r *ProfileRepo) Merge(ctx context.Context, id string, patch entity.Patch) (*entity.Profile, error) {
	const q = `INSERT INTO profiles (id, display_name, photo_url, role, farmer_id, tax_number)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''), COALESCE($6, ''))
		ON CONFLICT (id) DO UPDATE SET
		  display_name = COALESCE($2, profiles.display_name),
		  photo_url = COALESCE($3, profiles.photo_url),
		  role = COALESCE($4, profiles.role),
		  farmer_id = COALESCE($5, profiles.farmer_id),
		  tax_number = COALESCE($6, profiles.tax_number),
		  updated_at = NOW()
		RETURNING ` + profileColumns
	var role *string
	if patch.Role != nil {
		s := string(*patch.Role)
		role = &s
	}
	var p entity.Profile
	if err := r.db.GetContext(ctx, &p, q, id, patch.DisplayName, patch.PhotoURL, role, patch.FarmerID, patch.TaxNumber); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIfAbsent inserts p unless a record with the same id exists. It
// reports whether a row was written.
func (r *ProfileRepo) CreateIfAbsent(ctx context.Context, p *entity.Profile) (bool, error) {
	const q = `INSERT INTO profiles (id, display_name, email, photo_url, role, farmer_id, tax_number)
		VALUES (:id, :display_name, :email, :photo_url, :role, :farmer_id, :tax_number)
		ON CONFLICT (id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, q, p)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
