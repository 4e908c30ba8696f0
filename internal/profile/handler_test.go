package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	ident "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

// as injects an authenticated principal the way identity.RequireAuth does.
func as(p ident.Principal, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(identity.WithPrincipal(r.Context(), p)))
	})
}

func TestHandlerCompleteAndRead(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.store, nil)
	_, err := f.store.CreateMinimal(context.Background(), asha, asha)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/profile/complete", strings.NewReader(`{"role":"buyer","tax_number":"bad"}`))
	as(asha, h.Complete).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tax_number")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/profile/complete", strings.NewReader(`{"role":"farmer","farmer_id":"F-7"}`))
	as(asha, h.Complete).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	as(asha, h.Me).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp profileResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Exists)
	assert.True(t, resp.Complete)
	assert.Equal(t, "F-7", resp.Profile.FarmerID)
}

func TestHandlerMissingProfile(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.store, nil)
	rec := httptest.NewRecorder()
	as(ravi, h.Me).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"profile":null,"exists":false,"complete":false}`, rec.Body.String())
}

func TestHandlerPermissionDenied(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.store, nil)
	mux := http.NewServeMux()
	mux.Handle("PATCH /api/profile/{id}", as(ravi, h.Patch))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/profile/"+asha.ID, strings.NewReader(`{"display_name":"x"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"permission_denied"}`, rec.Body.String())
	assert.Len(t, f.emitter.Recent(), 1)
}

func TestHandlerPatchUnknownRole(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.store, nil)
	mux := http.NewServeMux()
	mux.Handle("PATCH /api/profile/{id}", as(asha, h.Patch))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/profile/"+asha.ID, strings.NewReader(`{"role":"superuser"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"role"`)
}
