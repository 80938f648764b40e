package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/sse"
	"github.com/novamd/bridge-server-go/internal/util"
)

type EventSource interface {
	Subscribe(userID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type SessionLookup interface {
	Get(userID string) (model.SessionInfo, bool)
}

// EventsHandler streams a user's session lifecycle (QR, pairing code,
// connected, closed) as server-sent events.
type EventsHandler struct {
	broker    EventSource
	sessions  SessionLookup
	heartbeat time.Duration
}

func NewEventsHandler(broker EventSource, sessions SessionLookup) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		sessions:  sessions,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /api/sessions/user/{userId}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !util.IsValidUserID(userID) {
		writeError(w, apperrors.InvalidInput("userId", "unsupported characters or length"), "sse subscribe")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"), "sse subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("userId", userID).Msg("sse connection established")

	snapshot := map[string]any{"userId": userID, "status": "none"}
	if info, ok := h.sessions.Get(userID); ok {
		snapshot["status"] = info.Status
		snapshot["sessionId"] = info.SessionID
	}
	if err := h.sendEvent(w, flusher, sse.EventStatus, snapshot); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("userId", userID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("userId", userID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("userId", userID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
