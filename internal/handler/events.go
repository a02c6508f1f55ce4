package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/httputil"
	"github.com/assettrack/scan-relay-go/internal/middleware"
	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/sse"
)

// Subscriber hands out push subscriptions. *sse.Broker satisfies it.
type Subscriber interface {
	Subscribe(topic string) *sse.Client
	Unsubscribe(client *sse.Client)
}

var _ Subscriber = (*sse.Broker)(nil)

type EventsHandler struct {
	broker    Subscriber
	sessions  SessionAPI
	heartbeat time.Duration
}

func NewEventsHandler(broker Subscriber, sessions SessionAPI) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		sessions:  sessions,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /v1/scan-sessions/{id}/stream
func (h *EventsHandler) ServeSession(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessions.AuthorizeStream(r.Context(), principal, sessionID)
	if err != nil {
		writeServiceError(w, err, "sse session stream rejected")
		return
	}

	h.stream(w, r, redisclient.SessionChannel(session.ID), sse.EventSessionEnded, map[string]any{
		"scan_session_id": session.ID,
		"status":          session.Status,
		"remote_mode":     session.Mode(),
		"expires_at":      formatTime(&session.ExpiresAt),
	})
}

// GET /v1/pairings/{id}/stream
func (h *EventsHandler) ServePairing(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	pairingID := chi.URLParam(r, "id")

	if err := h.sessions.AuthorizePairingStream(r.Context(), principal, pairingID); err != nil {
		writeServiceError(w, err, "sse pairing stream rejected")
		return
	}

	h.stream(w, r, redisclient.PairingChannel(pairingID), sse.EventPairingComplete, map[string]any{
		"pairing_id": pairingID,
	})
}

// stream relays topic to the client until it disconnects, the broker shuts
// down, or an event of type final has been written.
func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request, topic, final string, hello any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "Streaming not supported", Code: "INTERNAL_ERROR"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("topic", topic).
		Msg("sse connection established")

	ctx := r.Context()

	if err := h.sendEvent(w, flusher, "connected", hello); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("topic", topic).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("topic", topic).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Str("topic", topic).Msg("failed to send event")
				return
			}
			if event.Type == final {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("topic", topic).
					Msg("heartbeat failed, closing connection")
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
