package api

import (
	"context"
	"net/http"
	"time"
)

// ReadinessResponse reports each dependency checked by /readyz
type ReadinessResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// healthz is the liveness probe: the process answers, so it is alive
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz checks the database connection and the detector backend
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := ReadinessResponse{Ready: true, Checks: map[string]string{}}

	if s.deps.Database != nil {
		if err := s.deps.Database.Ping(ctx); err != nil {
			resp.Ready = false
			resp.Checks["database"] = err.Error()
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	if s.deps.Detector != nil {
		name := "detector:" + s.deps.Detector.Name()
		if s.deps.Detector.IsHealthy(ctx) {
			resp.Checks[name] = "ok"
		} else {
			resp.Ready = false
			resp.Checks[name] = "unhealthy"
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	encode(r.Context(), w, status, resp)
}
