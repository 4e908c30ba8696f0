package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/permerr"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// Handler serves profile reads and writes for authenticated callers.
type Handler struct {
	store  *Store
	logger *zap.SugaredLogger
}

func NewHandler(store *Store, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Handler{store: store, logger: logger}
}

type profileResponse struct {
	Profile  *entity.Profile `json:"profile"`
	Exists   bool            `json:"exists"`
	Complete bool            `json:"complete"`
}

// Me returns the caller's own profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.PrincipalFromContext(r.Context())
	h.get(w, r, p.ID)
}

// Get returns any profile by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.get(w, r, r.PathValue("id"))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, id string) {
	p, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusOK, profileResponse{})
	case err != nil:
		h.logger.Errorw("profile read failed", "profile_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, profileResponse{Profile: p, Exists: true, Complete: p.Complete()})
	}
}

// Put replaces the record at {id}.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.PrincipalFromContext(r.Context())
	var p entity.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	p.ID = r.PathValue("id")
	saved, err := h.store.Set(r.Context(), actor, p)
	h.respond(w, saved, err)
}

// Patch merges the given fields into the record at {id}.
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.PrincipalFromContext(r.Context())
	var patch entity.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	saved, err := h.store.Merge(r.Context(), actor, r.PathValue("id"), patch)
	h.respond(w, saved, err)
}

// Complete submits the caller's profile-completion form.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.PrincipalFromContext(r.Context())
	var c Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	saved, err := h.store.Complete(r.Context(), actor, actor.ID, c)
	h.respond(w, saved, err)
}

func (h *Handler) respond(w http.ResponseWriter, p *entity.Profile, err error) {
	var verr *ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, profileResponse{Profile: p, Exists: true, Complete: p.Complete()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, permerr.ErrPermissionDenied):
		// already on the permission-error channel; clients skip the generic toast
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
	default:
		h.logger.Errorw("profile write failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
