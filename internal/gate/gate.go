// Package gate is the request-time redirect run in front of page routes. It
// only looks at whether a session cookie is present; whether the profile is
// complete is decided by the session machine once the page loads.
package gate

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/session"
)

type Config struct {
	SignIn    string
	Dashboard string
	// Protected page prefixes that need a session cookie.
	Protected []string
	// Auth pages a cookie holder is sent away from.
	Auth []string
}

// ConfigFromRoutes derives the gate from the session's navigation routes.
func ConfigFromRoutes(r session.Routes) Config {
	return Config{
		SignIn:    r.SignIn,
		Dashboard: r.Dashboard,
		Protected: []string{r.Dashboard, r.Completion},
		Auth:      []string{r.SignIn, r.SignUp},
	}
}

func matches(path string, pages []string) bool {
	for _, p := range pages {
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Target returns where a request for path should be redirected, or "".
func (c Config) Target(path string, hasToken bool) string {
	switch {
	case !hasToken && matches(path, c.Protected):
		return c.SignIn
	case hasToken && matches(path, c.Auth):
		return c.Dashboard
	}
	return ""
}

// Middleware applies the gate to every request it wraps.
func Middleware(cfg Config, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hasToken := identity.SessionToken(r) != ""
			if target := cfg.Target(r.URL.Path, hasToken); target != "" && target != r.URL.Path {
				logger.Debugw("gate redirect", "path", r.URL.Path, "target", target, "has_token", hasToken)
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
