package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// ProfileInitializer creates the minimal profile record for a principal
// that has none yet.
type ProfileInitializer interface {
	CreateMinimal(ctx context.Context, actor entity.Principal, p entity.Principal) (bool, error)
}

// Handler exposes HTTP endpoints for sign-up, sign-in and sign-out.
type Handler struct {
	svc      *Service
	profiles ProfileInitializer
	cookies  CookieOptions
	logger   *zap.SugaredLogger
	// LoginPath receives federated errors; AfterLoginPath receives successful
	// federated sign-ins, where the session consumes the pending result.
	LoginPath      string
	AfterLoginPath string
}

func NewHandler(svc *Service, profiles ProfileInitializer, cookies CookieOptions, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Handler{
		svc:            svc,
		profiles:       profiles,
		cookies:        cookies,
		logger:         logger,
		LoginPath:      "/login",
		AfterLoginPath: "/",
	}
}

// SignupRequest request body for signup endpoint.
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type principalResponse struct {
	Principal entity.Principal `json:"principal"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid signup payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	p, err := h.svc.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailInUse):
			h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrWeakPassword):
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			h.logger.Warnw("signup failed", "err", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "signup failed"})
		}
		return
	}

	// best-effort: a denied write is already on the permission channel and
	// the session will route to profile completion either way
	if _, err := h.profiles.CreateMinimal(r.Context(), p, p); err != nil {
		h.logger.Warnw("initial profile write failed", "account_id", p.ID, "err", err)
	}

	exp, ok := h.issueCookie(w, p)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusCreated, principalResponse{Principal: p, ExpiresAt: exp})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid login payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	p, err := h.svc.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Debugw("login failed", "err", err)
		switch {
		case errors.Is(err, ErrBadCredentials):
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		case errors.Is(err, ErrLocked):
			h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account locked"})
		case errors.Is(err, ErrDisabled):
			h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account disabled"})
		default:
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login failed"})
		}
		return
	}
	exp, ok := h.issueCookie(w, p)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, principalResponse{Principal: p, ExpiresAt: exp})
}

// Logout revokes the caller's tokens if it has a valid one and always
// clears the cookie, so it is idempotent.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if p, err := h.svc.Authenticate(r.Context(), RequestToken(r)); err == nil {
		if err := h.svc.SignOut(r.Context(), p.ID); err != nil {
			h.logger.Errorw("sign-out failed", "account_id", p.ID, "err", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "logout failed"})
			return
		}
		h.logger.Infow("signed out", "account_id", p.ID)
	}
	h.cookies.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Token refreshes the short-lived session token for the authenticated caller.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	tok, exp, err := h.svc.Token(p)
	if err != nil {
		h.logger.Errorw("token issue failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token error"})
		return
	}
	h.cookies.SetSessionCookie(w, tok, exp)
	h.writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_at": exp})
}

// FederatedStart redirects to the provider's consent page.
func (h *Handler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	state := h.cookies.generateState(w)
	_, challenge := h.cookies.generatePKCE(w)
	authURL, err := h.svc.BeginFederated(name, state, challenge)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown provider"})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// FederatedCallback completes the provider round trip. The outcome is left
// as a pending redirect result for the client's session to consume.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if !validateState(r) {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid state"})
		return
	}
	verifier := cookieValue(r, pkceCookieName)
	h.cookies.clearFlowCookies(w)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Warnw("federated callback returned error",
			"provider", name,
			"error", errParam,
			"desc", r.URL.Query().Get("error_description"),
		)
		http.Redirect(w, r, h.LoginPath+"?error="+url.QueryEscape(errParam), http.StatusFound)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" || verifier == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code or verifier"})
		return
	}

	res, p, err := h.svc.CompleteFederated(r.Context(), name, code, verifier)
	if err != nil {
		h.logger.Warnw("federated sign-in failed", "provider", name, "err", err)
		reason := "authentication_failed"
		if errors.Is(err, ErrEmailInUse) {
			reason = "email_in_use"
		}
		http.Redirect(w, r, h.LoginPath+"?error="+reason, http.StatusFound)
		return
	}
	if _, ok := h.issueCookie(w, p); !ok {
		return
	}
	h.cookies.SetRedirectCookie(w, res.ID, res.ExpiresAt)
	http.Redirect(w, r, h.AfterLoginPath, http.StatusFound)
}

func (h *Handler) issueCookie(w http.ResponseWriter, p entity.Principal) (time.Time, bool) {
	tok, exp, err := h.svc.Token(p)
	if err != nil {
		h.logger.Errorw("token issue failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session error"})
		return time.Time{}, false
	}
	h.cookies.SetSessionCookie(w, tok, exp)
	return exp, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
