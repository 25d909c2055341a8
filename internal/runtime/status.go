package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/dequeueflow/internal/runtime/jsoncodec"
)

// DefaultStatusAPIPort is used when Config.StatusAPIPort is zero.
const DefaultStatusAPIPort = 8081

// StartStatusAPIServer registers the status endpoints when the status API is enabled:
//
//	GET /api/workers  one WorkerStatus per endpoint
//	GET /api/metrics  the CycleMetricsSnapshot
func (s *Service) StartStatusAPIServer() {
	if !s.Conf.StatusAPIEnabled {
		return
	}

	port := s.Conf.StatusAPIPort
	if port == 0 {
		port = DefaultStatusAPIPort
	}

	s.RegisterHTTPHandler(port, "/api/workers", http.HandlerFunc(s.handleGetWorkers))
	s.RegisterHTTPHandler(port, "/api/metrics", http.HandlerFunc(s.handleGetMetrics))
}

func (s *Service) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	statuses := make([]WorkerStatus, 0, len(s.workers))
	for _, worker := range s.workers {
		statuses = append(statuses, worker.Status())
	}
	s.writeJSON(w, r, statuses)
}

func (s *Service) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.metrics.GetSnapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.StatusAPICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
