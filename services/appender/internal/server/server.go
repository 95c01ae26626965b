package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"companionchat/internal/servicetoken"
	"companionchat/internal/util"
	"companionchat/pkg/domain"
	"companionchat/pkg/queue"
	"companionchat/services/appender/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Verifier guards the internal append endpoint; nil leaves it unmounted.
	Verifier *servicetoken.Verifier
}

// Server exposes HTTP endpoints for the appender service.
type Server struct {
	app      *app.App
	verifier *servicetoken.Verifier
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		verifier: cfg.Verifier,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("appender", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.verifier != nil {
		s.mux.Handle("/internal/history_entries", servicetoken.Require(s.verifier, http.HandlerFunc(s.handleHistoryEntries)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHistoryEntries stores the entry before answering, so a 200 means the
// transcript already holds it.
func (s *Server) handleHistoryEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var job domain.AppendJob
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if job.ID == "" {
		job.ID = util.RequestIDFromContext(r.Context())
	}
	if err := s.app.Append(r.Context(), job); err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			writeError(w, http.StatusBadRequest, "username and a positive chat_id are required.")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to append chat history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status_code": http.StatusOK, "job_id": job.ID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status_code": status, "message": msg})
}
