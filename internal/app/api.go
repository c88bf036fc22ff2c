package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
)

// maxCreateBody limits the POST /sessions body.
const maxCreateBody = 64 << 10

// createRequest is the POST /sessions body.
type createRequest struct {
	UserID      string `json:"userId"`
	CounselorID string `json:"counselorId"`
}

// apiError is the JSON body of every non-2xx API response.
type apiError struct {
	Error string `json:"error"`
}

// registerAPI adds the session management routes to mux.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", a.deleteSession)
	mux.HandleFunc("GET /sessions/{id}/report", a.getReport)
}

func (a *App) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON body"})
		return
	}
	if req.UserID == "" || req.CounselorID == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "userId and counselorId are required"})
		return
	}
	s := a.sessions.Create(req.UserID, req.CounselorID)
	w.Header().Set("Location", "/sessions/"+s.ID)
	writeJSON(w, http.StatusCreated, s.Info())
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	list := a.sessions.List()
	out := make([]session.Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// deleteSession ends the session immediately, without a grace window. The
// delete hook stores its final report.
func (a *App) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getReport fuses a live session's report on demand and falls back to the
// stored report once the session is gone.
func (a *App) getReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s, err := a.sessions.Get(id); err == nil {
		writeJSON(w, http.StatusOK, a.reporter.Latest(s))
		return
	}
	rep, err := a.reporter.Stored(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: "report not found"})
	case err != nil:
		slog.Warn("loading stored report failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "report store unavailable"})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
