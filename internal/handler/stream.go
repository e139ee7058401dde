package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bwchat/realtime-dm/internal/model"
	"github.com/bwchat/realtime-dm/internal/session"
	"github.com/bwchat/realtime-dm/pkg/logger"
	"github.com/bwchat/realtime-dm/pkg/metrics"
)

// DefaultHeartbeat is how often an idle event stream is kept alive.
const DefaultHeartbeat = 30 * time.Second

// StreamHandler serves a device session's event stream over SSE.
type StreamHandler struct {
	sessions  *session.Manager
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *session.Manager, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		sessions:  sessions,
		heartbeat: heartbeat,
		logger:    logger.OrGlobal(log).Named("stream"),
	}
}

// Events handles GET /api/v1/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := currentSession(h.sessions, r)
	if err != nil {
		writeAppError(w, h.logger, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	detach := s.Attach()
	defer detach()

	log := h.logger.WithSession(s.ID(), s.User().UID)

	if err := sendSSEEvent(w, flusher, string(model.EventConnected), map[string]string{
		"session_id": s.ID(),
		"user_id":    s.User().UID,
	}); err != nil {
		return
	}

	// Devices reconnecting need the current state, not just later changes.
	if e, err := s.Conversation(); err == nil {
		sendSSEEvent(w, flusher, string(model.EventTimeline), e.Timeline().Event())
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-s.Done():
			sendSSEEvent(w, flusher, "closed", nil)
			return

		case ev := <-s.Events():
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev.Data); err != nil {
				log.Warn("failed to write event", zap.String("type", string(ev.Type)), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, string(model.EventHeartbeat), &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
