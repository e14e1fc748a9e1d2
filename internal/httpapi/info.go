package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
	Uptime   string `json:"uptime"`
	Streams  int    `json:"stream_clients"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	streams := len(s.clients)
	s.mu.Unlock()

	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Uptime:   time.Since(s.startedAt).Truncate(time.Second).String(),
		Streams:  streams,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}
