package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a standard error JSON response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// requireReady returns false and writes a 503 while the orchestrator is
// still initializing, so callers never enqueue into an unready queue.
func (s *Server) requireReady(w http.ResponseWriter) bool {
	if !s.app.Orchestrator.Ready() {
		writeError(w, http.StatusServiceUnavailable, "initializing")
		return false
	}
	return true
}

type fetchRequest struct {
	URL            string `json:"url"`
	Kind           string `json:"kind"`
	EphemeralProxy string `json:"ephemeralProxy,omitempty"`
}

// handleFetch enqueues a fetch job. A cached fresh result is served
// directly without creating a job.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireReady(w) {
		return
	}

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	kind := models.JobKind(req.Kind)
	if req.Kind == "" {
		kind = models.JobKindProduct
	}

	if req.EphemeralProxy == "" {
		if data, ok := s.app.Results.GetResult(req.URL); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": "cached",
				"data":   json.RawMessage(data),
			})
			return
		}
	}

	job, err := s.app.Orchestrator.Enqueue(req.URL, kind, req.EphemeralProxy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleJobByID serves GET /api/jobs/{id}.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireReady(w) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, ok := s.app.Orchestrator.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobByURL serves GET /api/jobs?url=... and returns the most recent
// job for the normalized URL.
func (s *Server) handleJobByURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireReady(w) {
		return
	}

	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	job, ok := s.app.Orchestrator.GetJobByURL(url)
	if !ok {
		writeError(w, http.StatusNotFound, "no job for url")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleReady reports orchestrator readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.app.Orchestrator.Ready() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"queue_len": s.app.Orchestrator.QueueLen(),
		})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
}

// handleProxyStats serves proxy inventory diagnostics.
func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Proxies.Stats())
}

type sourceRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// handleProxySources adds (POST) or removes (DELETE) a proxy source.
func (s *Server) handleProxySources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req sourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.app.Proxies.AddSource(req.Name, req.Location); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		if err := s.app.Proxies.DeleteSource(name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type providerRequest struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

// handleProxyProviders registers (POST) or removes (DELETE) a rotating
// proxy provider.
func (s *Server) handleProxyProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.app.Proxies.AddRotatingProvider(req.Name, req.Type, req.Config); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		if err := s.app.Proxies.RemoveRotatingProvider(name); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
