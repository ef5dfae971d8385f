package server

import (
	"net/http"

	"github.com/entanglab/qcore/internal/version"
)

// HandleHealth reports liveness plus scheduler state. A failed decay
// scheduler degrades the response to 503 so supervisors restart the process.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := "ok"
	code := http.StatusOK
	schedulerState := s.core.Scheduler().State()
	if err := s.core.Scheduler().Healthy(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"scheduler":   schedulerState,
		"subscribers": s.ClientCount(),
		"version":     version.Get().Version,
	})
}

// HandleSnapshot returns the full diagnostic snapshot.
func (s *Server) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	snap := s.core.Snapshot()
	if err := writeJSON(w, http.StatusOK, snap); err != nil {
		s.logger.Errorw("Failed to write snapshot", "error", err)
	}
}
