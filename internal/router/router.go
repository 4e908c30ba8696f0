package router

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/flows"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/gate"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/permerr"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/session"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// Flush keeps event streams working behind the middleware.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			// ensure status is set
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets the browser hardening headers. Pages may
// use the microphone (voice assistant) and geolocation (local weather), so
// those are allowed for same-origin only.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(self), geolocation=(self)")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data: https:; object-src 'none'; base-uri 'self'; frame-ancestors 'none';")
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDMiddleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware propagates X-Request-ID or assigns a new one.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = utilities.NewRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// Deps are the services the HTTP surface is built from.
type Deps struct {
	Identity   *identity.Service
	Tokens     *token.Service
	Profiles   *profile.Store
	PermErrors *permerr.Emitter
	Flows      *flows.Service
	Cookies    identity.CookieOptions
	Routes     session.Routes
	// Pages is served behind the gate for every path not matched by the API.
	// Nil serves 404.
	Pages http.Handler
	// Dev exposes the permission-error overlay feed.
	Dev bool
	// Ready is called by the health check when set.
	Ready func(ctx context.Context) error
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := d.Identity.RequireAuth

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				logger.Warnw("health check failed", "err", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// identity
	identityHandler := identity.NewHandler(d.Identity, d.Profiles, d.Cookies, logger)
	mux.HandleFunc("POST /api/auth/signup", identityHandler.Signup)
	mux.HandleFunc("POST /api/auth/login", identityHandler.Login)
	mux.HandleFunc("POST /api/auth/logout", identityHandler.Logout)
	mux.Handle("POST /api/auth/token", auth(http.HandlerFunc(identityHandler.Token)))
	mux.HandleFunc("GET /api/auth/{provider}/start", identityHandler.FederatedStart)
	mux.HandleFunc("GET /api/auth/{provider}/callback", identityHandler.FederatedCallback)

	// token verification for other services
	tokenHandler := token.NewHandler(d.Tokens, d.Identity)
	mux.HandleFunc("GET /.well-known/openid-configuration", tokenHandler.Discovery)
	mux.HandleFunc("GET /.well-known/jwks.json", tokenHandler.JWKS)
	mux.HandleFunc("POST /api/auth/introspect", tokenHandler.Introspect)

	// profiles
	profileHandler := profile.NewHandler(d.Profiles, logger)
	mux.Handle("GET /api/profile", auth(http.HandlerFunc(profileHandler.Me)))
	mux.Handle("POST /api/profile/complete", auth(http.HandlerFunc(profileHandler.Complete)))
	mux.Handle("GET /api/profiles/{id}", auth(http.HandlerFunc(profileHandler.Get)))
	mux.Handle("PUT /api/profiles/{id}", auth(http.HandlerFunc(profileHandler.Put)))
	mux.Handle("PATCH /api/profiles/{id}", auth(http.HandlerFunc(profileHandler.Patch)))

	// session state machine
	sessionHandler := session.NewHandler(d.Identity, d.Profiles, d.Cookies, d.Routes, logger)
	mux.HandleFunc("GET /api/session", sessionHandler.Get)
	mux.HandleFunc("GET /api/session/events", sessionHandler.Events)
	mux.HandleFunc("POST /api/session/events/{id}/navigate", sessionHandler.Navigate)

	// text-generation flows
	flowsHandler := flows.NewHandler(d.Flows, logger)
	mux.Handle("POST /api/flows/recommend-crops", auth(http.HandlerFunc(flowsHandler.RecommendCrops)))
	mux.Handle("POST /api/flows/chat", auth(http.HandlerFunc(flowsHandler.Chat)))
	mux.Handle("POST /api/flows/farm-report", auth(http.HandlerFunc(flowsHandler.FarmReport)))
	mux.Handle("POST /api/flows/translate", auth(http.HandlerFunc(flowsHandler.Translate)))

	if d.Dev {
		mux.HandleFunc("GET /api/debug/permission-errors", permerr.NewHandler(d.PermErrors).List)
	}

	pages := d.Pages
	if pages == nil {
		pages = http.NotFoundHandler()
	}
	mux.Handle("GET /", gate.Middleware(gate.ConfigFromRoutes(d.Routes), logger)(pages))

	// request id outermost so the access log can see it
	return RequestIDMiddleware()(LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux)))
}
