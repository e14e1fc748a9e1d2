package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

// Store is the read side of the dedup store exposed over HTTP.
type Store interface {
	CountProcessed(ctx context.Context, filters Filters) (int64, error)
	ListProcessed(ctx context.Context, filters Filters) ([]core.ProcessedItem, error)
	ListActions(ctx context.Context, filters Filters) ([]core.Action, error)
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	Build           BuildInfo
	ConfigSnapshot  any
	// Metrics lets callers share one collector set with the trackers.
	Metrics *Metrics
}

type subscriber struct {
	ch        chan core.ProcessedItem
	filters   Filters
	transport string
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	startedAt  time.Time

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

func New(store Store, opts Options) *Server {
	srv := &Server{
		store:     store,
		opts:      opts,
		mux:       http.NewServeMux(),
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:      newCORSPolicy(opts.CORSOrigins),
		clients:   make(map[*subscriber]struct{}),
		startedAt: time.Now(),
	}
	if opts.EnableMetrics {
		srv.metrics = opts.Metrics
		if srv.metrics == nil {
			srv.metrics = NewMetrics()
		}
		srv.mux.Handle("/metrics", srv.metrics.Handler())
	}

	srv.handle("/healthz", srv.handleHealthz)
	srv.handle("/info", srv.handleInfo)
	srv.handle("/config", srv.handleConfig)
	srv.handle("/processed", srv.handleProcessed)
	srv.handle("/processed/count", srv.handleCount)
	srv.handle("/actions", srv.handleActions)
	srv.handle("/stream", srv.handleStream)
	srv.handle("/ws", srv.handleWS)

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the router so other packages can mount extra routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Metrics returns the collector set, or nil when metrics are disabled.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.opts.ConfigSnapshot == nil {
		http.Error(w, "no config snapshot", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.ConfigSnapshot)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountProcessed(r.Context(), filters)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListProcessed(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.ProcessedItem{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListActions(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Action{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := s.subscribe(filters.CloneForStream(), "sse")
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case item, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(item)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: processed\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncItemsSent("sse")
		}
	}
}

func (s *Server) subscribe(filters Filters, transport string) (*subscriber, bool) {
	sub := &subscriber{
		ch:        make(chan core.ProcessedItem, 256),
		filters:   filters,
		transport: transport,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[sub] = struct{}{}
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[sub]; ok {
		delete(s.clients, sub)
		close(sub.ch)
	}
}

// Broadcast fans a processed item out to every matching stream client.
// Slow clients lose items rather than block the tracker.
func (s *Server) Broadcast(item core.ProcessedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.clients {
		if !sub.filters.Matches(item) {
			continue
		}
		select {
		case sub.ch <- item:
		default:
			s.metrics.IncBroadcastDrops(sub.transport)
		}
	}
}

// ReportDBWriteError is called by writers when a dedup write fails.
func (s *Server) ReportDBWriteError() {
	s.metrics.IncDBWriteErrors()
}

func (s *Server) Start() error {
	slog.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.clients {
		delete(s.clients, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
