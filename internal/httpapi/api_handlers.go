package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/mfilipek/verba/internal/store"
)

// requireStore guards history endpoints when no database is configured.
func (r *Router) requireStore(w http.ResponseWriter) bool {
	if r.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "database not configured",
		})
		return false
	}
	return true
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}

	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Printf("api: failed to list sessions: %v", err)
		captureError(req, err, "api: list sessions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}

	sessionID := req.PathValue("sessionId")
	sess, err := r.store.GetSession(req.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		r.logger.Printf("api: failed to get session %s: %v", sessionID, err)
		captureError(req, err, "api: get session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleListUtterances(w http.ResponseWriter, req *http.Request) {
	if !r.requireStore(w) {
		return
	}

	sessionID := req.PathValue("sessionId")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	utterances, err := r.store.ListUtterances(req.Context(), sessionID, limit)
	if err != nil {
		r.logger.Printf("api: failed to list utterances for %s: %v", sessionID, err)
		captureError(req, err, "api: list utterances")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if utterances == nil {
		utterances = []store.Utterance{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"utterances": utterances})
}
