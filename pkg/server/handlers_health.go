package server

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleStatus is public; tenant counters are included only when the
// caller presents a valid bearer, and only the caller's own.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"environment":    s.cfg.Environment,
		"memory_mb":      float64(mem.Alloc) / (1 << 20),
		"streams":        s.events.Count(),
	}

	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if id, err := s.tokens.Verify(parts[1]); err == nil {
				if stats, err := s.data.Statistics(r.Context(), id.Subject); err == nil {
					status["statistics"] = stats
				}
			}
		}
	}

	api.WriteSuccess(w, http.StatusOK, map[string]any{"status": status})
}
