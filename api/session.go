package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
)

// SessionHandler serves session store diagnostics. Field values are never
// exposed: wizard sessions hold customer data, so responses carry only
// field names and timestamps.
type SessionHandler struct {
	store  *session.Store
	logger log.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(store *session.Store, logger log.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes registers session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.store == nil {
		h.logger.Warn("session store not configured, session endpoints not registered")
		return
	}
	mux.HandleFunc("GET /api/sessions", h.stats)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.clear)
}

// StatsResponse is the body for GET /api/sessions.
type StatsResponse struct {
	Size int `json:"size"`
}

// SessionResponse is the body for GET /api/sessions/{id}.
type SessionResponse struct {
	ContextID     string    `json:"contextId"`
	Fields        []string  `json:"fields"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

func (h *SessionHandler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, StatsResponse{Size: h.store.Size()})
}

func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := h.store.Get(id)
	if !ok {
		writeError(h.logger, w, http.StatusNotFound, "session not found", "")
		return
	}

	fields := make([]string, 0, len(sess.Fields))
	for name := range sess.Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	writeJSON(h.logger, w, http.StatusOK, SessionResponse{
		ContextID:     id,
		Fields:        fields,
		CreatedAt:     sess.CreatedAt,
		LastUpdatedAt: sess.LastUpdatedAt,
	})
}

func (h *SessionHandler) clear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.store.Has(id) {
		writeError(h.logger, w, http.StatusNotFound, "session not found", "")
		return
	}
	h.store.Clear(id)
	h.logger.Info("session cleared via API", "context_id", id)
	w.WriteHeader(http.StatusNoContent)
}
