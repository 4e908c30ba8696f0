package repo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/database"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// testRepo connects to TEST_DATABASE_URL; without it the test is skipped.
func testRepo(t *testing.T) *ProfileRepo {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(database.Config{DSN: dsn, MaxConns: 2, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewProfileRepo(db)
	require.NoError(t, r.EnsureTable(context.Background()))
	return r
}

func newID(t *testing.T, r *ProfileRepo) string {
	id := utilities.NewKSUID()
	t.Cleanup(func() {
		_, _ = r.db.ExecContext(context.Background(), `DELETE FROM profiles WHERE id=$1`, id)
	})
	return id
}

func TestPostgresPutAndGet(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	id := newID(t, r)

	_, err := r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &entity.Profile{ID: id, DisplayName: "Asha", Email: "asha@example.com", Role: entity.RoleFarmer, FarmerID: "F-1"}
	require.NoError(t, r.Put(ctx, p))
	created := p.CreatedAt

	p.Role, p.FarmerID = entity.RoleBuyer, ""
	require.NoError(t, r.Put(ctx, p))
	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.RoleBuyer, got.Role)
	assert.Empty(t, got.FarmerID)
	assert.Equal(t, "asha@example.com", got.Email)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestPostgresMergeKeepsUnsetFields(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	id := newID(t, r)

	name := "Asha"
	got, err := r.Merge(ctx, id, entity.Patch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.DisplayName)
	assert.Empty(t, got.Role)

	role, tax := entity.RoleBuyer, "TAX-9"
	got, err = r.Merge(ctx, id, entity.Patch{Role: &role, TaxNumber: &tax})
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.DisplayName)
	assert.Equal(t, entity.RoleBuyer, got.Role)
	assert.Equal(t, "TAX-9", got.TaxNumber)

	empty := ""
	got, err = r.Merge(ctx, id, entity.Patch{TaxNumber: &empty})
	require.NoError(t, err)
	assert.Empty(t, got.TaxNumber)
	assert.Equal(t, entity.RoleBuyer, got.Role)
}

func TestPostgresCreateIfAbsent(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()
	id := newID(t, r)

	ok, err := r.CreateIfAbsent(ctx, &entity.Profile{ID: id, DisplayName: "first"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CreateIfAbsent(ctx, &entity.Profile{ID: id, DisplayName: "second"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "first", got.DisplayName)
}
