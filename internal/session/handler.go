package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// Handler runs one machine per request (or per event stream) and writes
// its output to the client.
type Handler struct {
	identity *identity.Service
	profiles ProfileSource
	cookies  identity.CookieOptions
	routes   Routes
	logger   *zap.SugaredLogger

	// SettleTimeout bounds how long a request waits for the machine to
	// leave INITIALIZING.
	SettleTimeout time.Duration
	// Heartbeat is the comment interval that keeps idle streams open.
	Heartbeat time.Duration

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	machine *Machine
	token   string
}

func NewHandler(svc *identity.Service, profiles ProfileSource, cookies identity.CookieOptions, routes Routes, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Handler{
		identity:      svc,
		profiles:      profiles,
		cookies:       cookies,
		routes:        routes,
		logger:        logger,
		SettleTimeout: 5 * time.Second,
		Heartbeat:     25 * time.Second,
		streams:       make(map[string]*stream),
	}
}

func (h *Handler) newMachine(r *http.Request, jar *cookieJar, onUpdate func(Update)) *Machine {
	path := r.URL.Query().Get("path")
	return NewMachine(Options{
		Identity:  tokenIdentity{svc: h.identity, token: identity.SessionToken(r)},
		Redirects: pendingRedirect{svc: h.identity, id: identity.RedirectID(r)},
		Profiles:  h.profiles,
		Tokens:    jar,
		SignOut:   signOuter{svc: h.identity},
		Routes:    h.routes,
		Path:      path,
		OnUpdate:  onUpdate,
		Logger:    h.logger,
	})
}

func (h *Handler) applyCookies(w http.ResponseWriter, r *http.Request, jar *cookieJar) {
	jar.apply(w, h.cookies)
	if identity.RedirectID(r) != "" {
		// consumed (or expired) either way
		h.cookies.ClearRedirectCookie(w)
	}
}

// Get resolves the session once: it waits for the machine to settle,
// returns the state and redirect, and tears the machine down.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	settled := make(chan Update, 1)
	jar := newCookieJar(h.identity)
	m := h.newMachine(r, jar, func(u Update) {
		if u.Snapshot.State == StateInitializing {
			return
		}
		select {
		case settled <- u:
		default:
		}
	})
	m.Start(r.Context())

	timer := time.NewTimer(h.SettleTimeout)
	defer timer.Stop()

	var u Update
	select {
	case u = <-settled:
	case <-timer.C:
		h.logger.Warnw("session did not settle", "timeout", h.SettleTimeout)
		u = Update{Snapshot: m.Snapshot()}
	case <-r.Context().Done():
		m.Close()
		return
	}
	m.Close()

	h.applyCookies(w, r, jar)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, u)
}

// Events streams every transition as a server-sent event until the client
// disconnects. The first event, "ready", carries the URL the client posts
// page changes to. Cookie changes are applied once the session settles.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	updates := make(chan Update, 16)
	jar := newCookieJar(h.identity)
	m := h.newMachine(r, jar, func(u Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})

	id := utilities.NewKSUID()
	m.Start(ctx)
	// published only once started; the mutex orders Start before any Navigate
	h.mu.Lock()
	h.streams[id] = &stream{machine: m, token: identity.SessionToken(r)}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, id)
		h.mu.Unlock()
		cancel()
		m.Close()
	}()

	var pending []Update
	timer := time.NewTimer(h.SettleTimeout)
	defer timer.Stop()
settle:
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			pending = append(pending, u)
			if u.Snapshot.State != StateInitializing {
				break settle
			}
		case <-timer.C:
			h.logger.Warnw("session stream did not settle", "stream_id", id, "timeout", h.SettleTimeout)
			break settle
		}
	}

	h.applyCookies(w, r, jar)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "ready", map[string]string{"id": id, "navigate": "/api/session/events/" + id + "/navigate"}); err != nil {
		return
	}
	for _, u := range pending {
		if err := writeEvent(w, "update", u); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if err := writeEvent(w, "update", u); err != nil {
				h.logger.Debugw("session stream write failed", "stream_id", id, "err", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type navigateRequest struct {
	Path string `json:"path"`
}

// Navigate reports a page change for an open event stream. Only the session
// that opened the stream may drive it.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	h.mu.Lock()
	s, ok := h.streams[r.PathValue("id")]
	h.mu.Unlock()
	if !ok || s.token != identity.SessionToken(r) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stream"})
		return
	}
	s.machine.Navigate(req.Path)
	w.WriteHeader(http.StatusAccepted)
}

func writeEvent(w io.Writer, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
