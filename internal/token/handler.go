package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

// SessionChecker resolves a token against the live account, rejecting
// tokens revoked by a sign-out.
type SessionChecker interface {
	Authenticate(ctx context.Context, raw string) (entity.Principal, error)
}

type Handler struct {
	svc      *Service
	sessions SessionChecker
}

// NewHandler serves discovery, JWKS and introspection. With a nil checker
// introspection only verifies the token itself.
func NewHandler(svc *Service, sessions SessionChecker) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"issuer":                                h.svc.issuer,
		"jwks_uri":                              h.svc.issuer + "/.well-known/jwks.json",
		"introspection_endpoint":                h.svc.issuer + "/api/auth/introspect",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.svc.JWKS())
}

// Introspect implements RFC 7662 for session tokens issued by this service.
// A token issued before the account's last sign-out is inactive.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	raw := r.Form.Get("token")
	if raw == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	claims, err := h.svc.Parse(raw)
	if err != nil {
		writeInactive(w)
		return
	}
	p := PrincipalFromClaims(claims)
	if h.sessions != nil {
		current, err := h.sessions.Authenticate(r.Context(), raw)
		switch {
		case errors.Is(err, ErrInvalidToken):
			writeInactive(w)
			return
		case err != nil:
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}
		p = current
	}
	out := map[string]any{
		"active":     true,
		"sub":        p.ID,
		"email":      p.Email,
		"name":       p.DisplayName,
		"provider":   p.Provider,
		"iss":        claims.Issuer,
		"aud":        claims.Audience,
		"token_type": "session_token",
	}
	if claims.ExpiresAt != nil {
		out["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out["iat"] = claims.IssuedAt.Unix()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func writeInactive(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
}
