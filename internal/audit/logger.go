package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAuthSuccess     EventType = "gateway_auth_success"
	EventAuthFailure     EventType = "gateway_auth_failure"
	EventSessionEvicted  EventType = "session_evicted"
	EventSessionReplaced EventType = "session_replaced"
	EventForcedEviction  EventType = "forced_eviction"
	EventQueryDispatched EventType = "query_dispatched"
	EventAPIAuthFailure  EventType = "api_auth_failure"
)

type Event struct {
	Type       EventType
	TenantID   string
	DatabaseID string
	SessionID  string
	IP         string
	Details    map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "gateway").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.TenantID != "" {
		logger = logger.With().Str("tenant_id", event.TenantID).Logger()
	}
	if event.DatabaseID != "" {
		logger = logger.With().Str("database_id", event.DatabaseID).Logger()
	}
	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = logEvent.Interface(k, v)
	}
	logEvent.Msg("audit event")
}
