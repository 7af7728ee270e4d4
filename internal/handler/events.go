package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/sqlscope/gateway-go/internal/errors"
	"github.com/sqlscope/gateway-go/internal/events"
)

const sseKeepAliveInterval = 30 * time.Second

// EventsHandler streams gateway connectivity transitions for one tenant as
// server-sent events, so dashboards can show agent status live without
// polling tenant_databases.
type EventsHandler struct {
	broker *events.Broker
}

func NewEventsHandler(broker *events.Broker) *EventsHandler {
	return &EventsHandler{broker: broker}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, apperrors.MissingRequired("tenant_id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(tenantID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("tenantId", tenantID).
		Msg("connectivity stream established")

	h.sendEvent(w, flusher, "connected", map[string]any{"tenantId": tenantID})

	ctx := r.Context()
	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("tenantId", tenantID).
				Msg("connectivity stream closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("tenantId", tenantID).
				Msg("connectivity stream closed by broker")
			return

		case event := <-client.Events:
			h.sendEvent(w, flusher, string(event.Event), event)

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal sse event")
		return
	}

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	flusher.Flush()
}
