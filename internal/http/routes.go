// Package http is the trainer's status surface: liveness, prometheus metrics,
// the run snapshot and cached judge feedback.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sdpo-trainer/internal/schemas"
)

// StatusSource reports the live run. trainer.Loop implements it.
type StatusSource interface {
	Status() schemas.RunStatus
}

// FeedbackSource looks up cached judge feedback. feedback.Cache implements
// it.
type FeedbackSource interface {
	Get(key string) (string, bool)
	Len() int
}

type Server struct {
	Status   StatusSource
	Feedback FeedbackSource
}

// NewServer builds the status server. /healthz and /metrics are open; the
// rest requires the API token.
func NewServer(addr, apiToken string, status StatusSource, fb FeedbackSource) *http.Server {
	s := &Server{Status: status, Feedback: fb}
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(apiToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) Routes(apiToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, m.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken(apiToken))
		r.Get("/status", s.getStatus)
		r.Get("/feedback/{key}", s.getFeedback)
	})
	return r
}

type errResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	schemas.RunStatus
	CachedFeedback int `json:"cached_feedback"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.Status == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{"no run in progress"})
		return
	}
	out := statusResp{RunStatus: s.Status.Status()}
	if s.Feedback != nil {
		out.CachedFeedback = s.Feedback.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getFeedback(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.Feedback == nil {
		writeJSON(w, http.StatusNotFound, errResp{"not found"})
		return
	}
	fb, ok := s.Feedback.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errResp{"not found"})
		return
	}
	writeJSON(w, http.StatusOK, schemas.Feedback{Key: key, Feedback: fb})
}
