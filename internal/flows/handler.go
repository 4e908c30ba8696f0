package flows

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

const unavailableMessage = "The assistant is not available right now. Please try again in a little while."

type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RecommendCrops(w http.ResponseWriter, r *http.Request) {
	var in CropInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.svc.RecommendCrops(r.Context(), in)
	h.respond(w, "recommend-crops", out, err)
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var in ChatInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.svc.Chat(r.Context(), in)
	h.respond(w, "chat", out, err)
}

func (h *Handler) FarmReport(w http.ResponseWriter, r *http.Request) {
	var in ReportInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.svc.FarmReport(r.Context(), in)
	h.respond(w, "farm-report", out, err)
}

func (h *Handler) Translate(w http.ResponseWriter, r *http.Request) {
	var in TranslateInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.svc.Translate(r.Context(), in)
	h.respond(w, "translate", out, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, flow string, out any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable", "message": unavailableMessage})
	default:
		h.logger.Errorw("flow failed", "flow", flow, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
