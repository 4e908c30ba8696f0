package gate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/session"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

func TestGate(t *testing.T) {
	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(ConfigFromRoutes(session.DefaultRoutes()), utilities.Nop())(page)

	tests := []struct {
		name     string
		path     string
		cookie   bool
		status   int
		location string
	}{
		{"no cookie on dashboard", "/dashboard", false, http.StatusFound, "/login"},
		{"no cookie on nested dashboard page", "/dashboard/market", false, http.StatusFound, "/login"},
		{"no cookie on completion", "/complete-profile", false, http.StatusFound, "/login"},
		{"no cookie on sign-in", "/login", false, http.StatusOK, ""},
		{"no cookie on landing", "/", false, http.StatusOK, ""},
		{"cookie on sign-in", "/login", true, http.StatusFound, "/dashboard"},
		{"cookie on sign-up", "/signup", true, http.StatusFound, "/dashboard"},
		{"cookie on dashboard", "/dashboard", true, http.StatusOK, ""},
		// the gate cannot tell an incomplete profile apart
		{"cookie on completion", "/complete-profile", true, http.StatusOK, ""},
		{"prefix lookalike is not protected", "/dashboards", false, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.cookie {
				req.AddCookie(&http.Cookie{Name: identity.SessionCookieName, Value: "anything"})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
		})
	}
}
