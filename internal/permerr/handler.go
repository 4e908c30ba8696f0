package permerr

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes the recent events for the developer overlay.
type Handler struct {
	emitter *Emitter
}

func NewHandler(e *Emitter) *Handler {
	return &Handler{emitter: e}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": h.emitter.Recent()})
}

// LogObserver writes every event to the service log.
func LogObserver(logger *zap.SugaredLogger) Observer {
	return ObserverFunc(func(e Event) {
		logger.Warnw("profile store permission denied",
			"event_id", e.ID,
			"path", e.Path,
			"operation", e.Operation,
			"payload", string(e.Payload),
		)
	})
}
