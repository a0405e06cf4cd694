package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/somnolog/somnolog/internal/observe"
)

// writeTimeout bounds one message write to a slow client.
const writeTimeout = 5 * time.Second

// StreamHandler serves the live stream over WebSocket as JSON text frames.
// The owner comes from the X-Owner-ID header or, since browsers cannot set
// headers on WebSocket requests, the "owner" query parameter. Requests
// without one are rejected with 401.
type StreamHandler struct {
	Hub            *Hub
	Metrics        *observe.Metrics
	OriginPatterns []string
}

func (s *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("X-Owner-ID")
	if owner == "" {
		owner = r.URL.Query().Get("owner")
	}
	if owner == "" {
		http.Error(w, "missing X-Owner-ID header or owner query parameter", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		slog.Debug("notify: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	metrics := s.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	metrics.StreamSubscribers.Add(r.Context(), 1)
	defer metrics.StreamSubscribers.Add(context.WithoutCancel(r.Context()), -1)

	msgs, cancel := s.Hub.Subscribe(owner)
	defer cancel()

	// Clients never send; CloseRead surfaces their close frame as ctx.Done.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("notify: stream client connected", "owner_id", owner)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("notify: stream client gone", "owner_id", owner)
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, m)
			wcancel()
			if err != nil {
				slog.Debug("notify: stream write failed", "owner_id", owner, "err", err)
				return
			}
		}
	}
}
