package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/runstore"
	"github.com/visionforge/visionforge/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events
// It implements Server-Sent Events (SSE) for streaming run events. Clients
// reconnecting with a Last-Event-ID header get the retained history replayed
// before live events resume.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()

	requestID := requestIDFrom(ctx, r)

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()
	defer func() {
		metrics.SSEConnectionDuration.Observe(time.Since(startTime).Seconds())
	}()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	flusher.Flush()

	// Subscribe before replaying history so no event falls between the two.
	// Replayed duplicates are cheaper than gaps; clients dedupe by event ID.
	eventCh, cancel := h.bcast.Subscribe(runID)
	defer cancel()

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventTypeHello,
		Timestamp: time.Now().UTC(),
	})

	lastEventID := r.Header.Get("Last-Event-ID")
	history, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	} else {
		for _, evt := range history {
			h.writeSSE(w, flusher, evt)
		}
	}

	// A run that already finished has no live events coming; replay is all
	// there is.
	if meta.Status.Terminal() {
		h.sendStreamEnd(ctx, w, flusher, runID)
		h.logConnectionClosed(runID, requestID, startTime, "run_already_finished")
		return
	}

	done := r.Context().Done()

	// Heartbeat ticker to keep connection alive
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logConnectionClosed(runID, requestID, startTime, "client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Channel closed, run completed or cancelled
				h.sendStreamEnd(ctx, w, flusher, runID)
				h.logConnectionClosed(runID, requestID, startTime, "run_completed")
				return
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final event carrying the run's terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		h.logger.Error("failed to get run meta for stream end", "error", err)
		return
	}

	evt := &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}

	data := map[string]interface{}{"status": meta.Status}
	if meta.Error != "" {
		data["error"] = meta.Error
	}
	evt.Data, _ = json.Marshal(data)

	h.writeSSE(w, flusher, evt)
}

func (h *Handlers) logConnectionClosed(runID, requestID string, startTime time.Time, reason string) {
	h.logger.Info("SSE connection closed",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(startTime)),
		slog.String("reason", reason),
	)
}
