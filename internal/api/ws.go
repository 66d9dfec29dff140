package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/pkg/types"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// Outbound buffer per connection.
	wsSendBuffer = 256
)

// StreamLogs handles GET /api/v1/runs/{id}/logs
// It upgrades to a WebSocket and forwards the run's log events as they are
// produced. Non-log events (stage status, run status) are forwarded too so
// a console view can render progress without a second connection.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range h.config.CORSOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected",
				slog.String("origin", origin),
				slog.String("run_id", runID),
			)
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "run_id", runID)
		return
	}

	metrics.WSActiveConnections.Inc()

	h.logger.Info("websocket connection opened",
		slog.String("run_id", runID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	eventCh, cancel := h.bcast.Subscribe(runID)

	send := make(chan *types.Event, wsSendBuffer)
	go h.wsForward(eventCh, send)
	go h.wsWritePump(conn, runID, send)
	go h.wsReadPump(conn, runID, cancel)
}

// wsForward moves events from the broadcaster channel into the connection's
// send buffer, dropping when the client cannot keep up.
func (h *Handlers) wsForward(eventCh <-chan *types.Event, send chan<- *types.Event) {
	defer close(send)
	for evt := range eventCh {
		select {
		case send <- evt:
		default:
			h.logger.Warn("websocket client buffer full, dropping event")
		}
	}
}

// wsWritePump writes events and pings to the peer.
func (h *Handlers) wsWritePump(conn *websocket.Conn, runID string, send <-chan *types.Event) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		metrics.WSActiveConnections.Dec()
		h.logger.Info("websocket connection closed", slog.String("run_id", runID))
	}()

	for {
		select {
		case evt, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Run finished; say goodbye properly.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump discards inbound messages and unsubscribes when the peer goes
// away. The log stream is one-directional.
func (h *Handlers) wsReadPump(conn *websocket.Conn, runID string, cancel func()) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err, "run_id", runID)
			}
			return
		}
	}
}
