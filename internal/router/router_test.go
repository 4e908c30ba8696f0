package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/flows"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	idrepo "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/permerr"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile"
	prepo "github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/session"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

func newDeps(t *testing.T) Deps {
	t.Helper()
	tokens, err := token.NewService(token.Config{Issuer: "https://harvesta.test", Audience: "web", TTL: time.Minute})
	require.NoError(t, err)
	bus := pubsub.NewMemoryBus()
	emitter := permerr.NewEmitter(10)
	return Deps{
		Identity: identity.NewService(identity.Deps{
			Accounts:  idrepo.NewMemoryAccountRepo(),
			Redirects: idrepo.NewMemoryRedirectRepo(),
			Tokens:    tokens,
			Bus:       bus,
			Hasher:    identity.BcryptHasher{Cost: bcrypt.MinCost},
		}),
		Tokens:     tokens,
		Profiles:   profile.NewStore(prepo.NewMemoryProfileRepo(), bus, emitter, nil),
		PermErrors: emitter,
		Flows:      flows.NewService(nil, nil),
		Routes:     session.DefaultRoutes(),
		Pages: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("page " + r.URL.Path))
		}),
	}
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	d := newDeps(t)
	h := RegisterRoutes(utilities.Nop(), d)
	rec := serve(h, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	d.Ready = func(ctx context.Context) error { return errors.New("db down") }
	h = RegisterRoutes(utilities.Nop(), d)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/api/health").Code)
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestPagesAreGated(t *testing.T) {
	h := RegisterRoutes(utilities.Nop(), newDeps(t))

	rec := serve(h, http.MethodGet, "/dashboard")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = serve(h, http.MethodGet, "/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /login", rec.Body.String())
}

func TestProtectedAPIsRequireAuth(t *testing.T) {
	h := RegisterRoutes(utilities.Nop(), newDeps(t))
	for _, path := range []string{"/api/profile", "/api/profiles/someone"} {
		assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, path).Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/api/flows/chat").Code)
}

func TestDebugFeedOnlyInDev(t *testing.T) {
	d := newDeps(t)
	h := RegisterRoutes(utilities.Nop(), d)
	rec := serve(h, http.MethodGet, "/api/debug/permission-errors")
	assert.NotContains(t, rec.Body.String(), `"events"`)

	d.Dev = true
	h = RegisterRoutes(utilities.Nop(), d)
	rec = serve(h, http.MethodGet, "/api/debug/permission-errors")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), `{"events"`))
}

func TestJWKSIsPublic(t *testing.T) {
	h := RegisterRoutes(utilities.Nop(), newDeps(t))
	rec := serve(h, http.MethodGet, "/.well-known/jwks.json")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"keys"`)
}

func TestIntrospectReportsSignedOutTokenInactive(t *testing.T) {
	d := newDeps(t)
	h := RegisterRoutes(utilities.Nop(), d)
	ctx := context.Background()

	p, err := d.Identity.SignUp(ctx, "meena@example.com", "correct-horse", "Meena")
	require.NoError(t, err)
	raw, _, err := d.Identity.Token(p)
	require.NoError(t, err)

	introspect := func() map[string]any {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/introspect", strings.NewReader(url.Values{"token": {raw}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}
	assert.Equal(t, true, introspect()["active"])

	require.NoError(t, d.Identity.SignOut(ctx, p.ID))
	assert.Equal(t, map[string]any{"active": false}, introspect())
}
