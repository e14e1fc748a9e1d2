package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Rediscoverer rebuilds the tracked channel registry on demand.
type Rediscoverer interface {
	Rediscover(ctx context.Context) (int, error)
}

type Server struct {
	disc    Rediscoverer
	timeout time.Duration
}

func New(disc Rediscoverer) *Server { return &Server{disc: disc, timeout: 2 * time.Minute} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/discord/rediscover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.disc == nil {
			http.Error(w, "discord tracker not running", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		n, err := s.disc.Rediscover(ctx)
		if err != nil {
			http.Error(w, "rediscover failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "tracked_channels": n})
	})
}
