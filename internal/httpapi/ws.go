package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.cors != nil {
		if s.cors.allowAll {
			opts.OriginPatterns = []string{"*"}
		} else {
			for origin := range s.cors.origins {
				opts.OriginPatterns = append(opts.OriginPatterns, hostOf(origin))
			}
		}
	}

	conn, err := websocket.Accept(baseWriter(w), r, opts)
	if err != nil {
		slog.Warn("httpapi: websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub, ok := s.subscribe(filters.CloneForStream(), "ws")
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, item)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncItemsSent("ws")
		}
	}
}

func hostOf(origin string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(origin) > len(prefix) && origin[:len(prefix)] == prefix {
			return origin[len(prefix):]
		}
	}
	return origin
}
