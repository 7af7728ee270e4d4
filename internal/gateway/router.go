package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/audit"
	"github.com/sqlscope/gateway-go/internal/config"
	"github.com/sqlscope/gateway-go/internal/database"
	"github.com/sqlscope/gateway-go/internal/metrics"
	"github.com/sqlscope/gateway-go/internal/model"
	"github.com/sqlscope/gateway-go/internal/protocol"
	"github.com/sqlscope/gateway-go/internal/repository"
	"github.com/sqlscope/gateway-go/internal/util"
)

var (
	ErrNoLiveSession  = errors.New("no live gateway session for database")
	ErrQueryTimeout   = errors.New("timed out waiting for gateway query response")
	ErrConnectionLost = errors.New("gateway connection lost")
)

const persistTimeout = 5 * time.Second

// ConnectivityPublisher receives session lifecycle transitions.
type ConnectivityPublisher interface {
	PublishConnected(ctx context.Context, tenantID, databaseID, sessionID string)
	PublishDisconnected(ctx context.Context, tenantID, databaseID, sessionID, reason string)
}

// Router owns the cloud side of the tunnel: it authenticates inbound agent
// connections, drives each connection's read loop, and correlates dispatched
// queries with their responses.
type Router struct {
	cfg       *config.Config
	db        *database.DB
	keys      repository.GatewayKeyRepository
	tenantDBs repository.TenantDatabaseRepository
	events    ConnectivityPublisher
	metrics   *metrics.Metrics

	registry *Registry
	pending  *PendingTable
	upgrader websocket.Upgrader
}

func NewRouter(
	cfg *config.Config,
	db *database.DB,
	keys repository.GatewayKeyRepository,
	tenantDBs repository.TenantDatabaseRepository,
	events ConnectivityPublisher,
	m *metrics.Metrics,
) *Router {
	return &Router{
		cfg:       cfg,
		db:        db,
		keys:      keys,
		tenantDBs: tenantDBs,
		events:    events,
		metrics:   m,
		registry:  NewRegistry(),
		pending:   NewPendingTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades an inbound agent connection and runs it through the
// handshake and read loop until it dies or is evicted.
func (rt *Router) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("gateway websocket upgrade failed")
		return
	}
	conn.SetReadLimit(config.WSMaxMessageBytes)

	session, ok := rt.handshake(conn, r.RemoteAddr)
	if !ok {
		conn.Close()
		return
	}

	rt.readLoop(session)
}

// handshake enforces the AUTHENTICATING state: the first frame must be a
// valid AUTH_REQUEST within the read deadline. No retry on the same socket.
func (rt *Router) handshake(conn *websocket.Conn, remoteAddr string) (*Session, bool) {
	conn.SetReadDeadline(time.Now().Add(rt.cfg.AuthReadDeadline()))

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Str("remote", remoteAddr).Msg("no auth request before deadline")
		return nil, false
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		rt.rejectAuth(conn, remoteAddr, "", "malformed frame")
		return nil, false
	}

	authReq, ok := msg.(*protocol.AuthRequest)
	if !ok {
		rt.rejectAuth(conn, remoteAddr, "", "authentication required")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	key, authErr := rt.authenticate(ctx, authReq)
	if authErr != "" {
		rt.rejectAuth(conn, remoteAddr, keyPrefixForLog(authReq.GatewayToken), authErr)
		return nil, false
	}

	sessionID := uuid.NewString()
	session := newSession(sessionID, key, authReq, conn)

	if evicted := rt.registry.Register(session); evicted != nil {
		rt.pending.FailSession(evicted.ID, ErrConnectionLost)
		evicted.Close()
		rt.metrics.Evictions.WithLabelValues("replaced").Inc()
		audit.Log(ctx, audit.Event{
			Type:       audit.EventSessionReplaced,
			TenantID:   evicted.TenantID,
			DatabaseID: evicted.DatabaseID,
			SessionID:  evicted.ID,
			Details:    map[string]interface{}{"replaced_by": sessionID},
		})
		log.Info().
			Str("databaseId", session.DatabaseID).
			Str("oldSessionId", evicted.ID).
			Str("newSessionId", sessionID).
			Msg("existing gateway session replaced, newest wins")
	}

	// Connectivity flag and key usage move together or not at all.
	err = rt.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := rt.tenantDBs.WithTx(tx).SetGatewayConnected(ctx, key.DatabaseID, true, time.Now()); err != nil {
			return err
		}
		return rt.keys.WithTx(tx).TouchLastUsed(ctx, key.ID, time.Now())
	})
	if err != nil {
		log.Error().Err(err).Str("databaseId", key.DatabaseID).Msg("failed to persist gateway connectivity")
		rt.registry.Remove(session.DatabaseID, session.ID)
		session.Send(protocol.NewAuthError("internal error"))
		return nil, false
	}

	if err := session.Send(protocol.NewAuthSuccess(sessionID)); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to send auth response")
		rt.evict(session, "write failure")
		return nil, false
	}

	rt.metrics.AuthAttempts.WithLabelValues("success").Inc()
	rt.metrics.ActiveSessions.Set(float64(rt.registry.Len()))
	rt.events.PublishConnected(ctx, key.TenantID, key.DatabaseID, sessionID)
	audit.Log(ctx, audit.Event{
		Type:       audit.EventAuthSuccess,
		TenantID:   key.TenantID,
		DatabaseID: key.DatabaseID,
		SessionID:  sessionID,
		IP:         remoteAddr,
		Details: map[string]interface{}{
			"agent_version":  authReq.AgentVersion,
			"agent_hostname": authReq.AgentHostname,
		},
	})
	log.Info().
		Str("sessionId", sessionID).
		Str("databaseId", key.DatabaseID).
		Str("tenantId", key.TenantID).
		Str("agentVersion", authReq.AgentVersion).
		Msg("gateway session established")

	return session, true
}

// authenticate verifies the presented token against the credential store.
// It returns the matched key or a terminal error message for the agent.
func (rt *Router) authenticate(ctx context.Context, req *protocol.AuthRequest) (*model.GatewayKey, string) {
	if req.GatewayToken == "" {
		return nil, "missing gateway token"
	}

	key, err := rt.keys.FindByHash(ctx, util.HashToken(req.GatewayToken))
	if err != nil {
		log.Error().Err(err).Msg("credential store lookup failed")
		return nil, "internal error"
	}
	if key == nil {
		return nil, "invalid token"
	}
	if !key.IsActive {
		return nil, "token revoked"
	}
	if key.Expired(time.Now()) {
		return nil, "token expired"
	}
	if !key.HasScope(model.ScopeGateway) {
		return nil, "missing gateway scope"
	}
	return key, ""
}

func (rt *Router) rejectAuth(conn *websocket.Conn, remoteAddr, keyPrefix, reason string) {
	rt.metrics.AuthAttempts.WithLabelValues("failure").Inc()
	audit.Log(context.Background(), audit.Event{
		Type:    audit.EventAuthFailure,
		IP:      remoteAddr,
		Details: map[string]interface{}{"reason": reason, "key_prefix": keyPrefix},
	})
	log.Warn().Str("remote", remoteAddr).Str("reason", reason).Msg("gateway auth rejected")

	conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	conn.WriteJSON(protocol.NewAuthError(reason))
}

// readLoop is the LIVE state. Each read arms a deadline of the heartbeat
// timeout so a silently dead socket unblocks even before the sweep runs.
func (rt *Router) readLoop(s *Session) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(rt.cfg.HeartbeatTimeout()))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			rt.evict(s, "socket closed")
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("malformed frame from agent")
			rt.evict(s, "malformed frame")
			return
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			s.Touch()
			if err := s.Send(protocol.NewHeartbeatAck()); err != nil {
				rt.evict(s, "write failure")
				return
			}
			log.Debug().
				Str("sessionId", s.ID).
				Str("dbStatus", m.DBStatus).
				Int64("queriesExecuted", m.QueriesExecuted).
				Msg("heartbeat")

		case *protocol.QueryResponse:
			rt.pending.Resolve(m.RequestID, m)

		case *protocol.Close:
			log.Info().Str("sessionId", s.ID).Str("reason", m.Reason).Msg("agent requested close")
			rt.evict(s, "agent shutdown")
			return

		default:
			log.Warn().Str("sessionId", s.ID).Msgf("unexpected message type %T, dropping", msg)
		}
	}
}

// Dispatch sends one query over the live session for databaseID and blocks
// until the agent responds, the timeout elapses, or the session dies. Every
// path resolves: the caller never hangs.
func (rt *Router) Dispatch(ctx context.Context, databaseID, sqlQuery string, timeout time.Duration, maxRows int) (*protocol.QueryResponse, error) {
	if timeout <= 0 {
		timeout = rt.cfg.DefaultQueryTimeout()
	}
	if maxRows <= 0 {
		maxRows = rt.cfg.DefaultMaxRows
	}

	session, ok := rt.registry.Get(databaseID)
	if !ok {
		rt.metrics.QueriesDispatched.WithLabelValues("no_session").Inc()
		return nil, ErrNoLiveSession
	}

	requestID := uuid.NewString()
	resultCh := rt.pending.Add(requestID, session.ID, databaseID)
	started := time.Now()

	req := protocol.NewQueryRequest(requestID, sqlQuery, timeout, maxRows)
	if err := session.Send(req); err != nil {
		rt.pending.Remove(requestID)
		rt.metrics.QueriesDispatched.WithLabelValues("connection_lost").Inc()
		rt.evict(session, "write failure")
		return nil, ErrConnectionLost
	}

	audit.Log(ctx, audit.Event{
		Type:       audit.EventQueryDispatched,
		TenantID:   session.TenantID,
		DatabaseID: databaseID,
		SessionID:  session.ID,
		Details:    map[string]interface{}{"request_id": requestID, "max_rows": maxRows},
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			rt.metrics.QueriesDispatched.WithLabelValues("connection_lost").Inc()
			return nil, res.err
		}
		rt.metrics.QueriesDispatched.WithLabelValues(res.resp.Status).Inc()
		rt.metrics.DispatchDuration.Observe(time.Since(started).Seconds())
		return res.resp, nil

	case <-timer.C:
		rt.pending.Remove(requestID)
		rt.metrics.QueriesDispatched.WithLabelValues("timeout").Inc()
		log.Warn().
			Str("requestId", requestID).
			Str("databaseId", databaseID).
			Dur("timeout", timeout).
			Msg("gateway query timed out")
		return nil, ErrQueryTimeout

	case <-ctx.Done():
		rt.pending.Remove(requestID)
		rt.metrics.QueriesDispatched.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

// EvictStale removes every session whose heartbeat is older than the
// configured timeout. Called by the background sweep.
func (rt *Router) EvictStale() int {
	cutoff := time.Now().Add(-rt.cfg.HeartbeatTimeout())
	stale := rt.registry.Stale(cutoff)

	for _, s := range stale {
		log.Warn().
			Str("sessionId", s.ID).
			Str("databaseId", s.DatabaseID).
			Time("lastHeartbeatAt", s.LastHeartbeatAt()).
			Msg("evicting session, heartbeat timeout")
		rt.evict(s, "heartbeat timeout")
	}
	return len(stale)
}

// ForceEvict removes the live session for a database at an operator's
// request. Returns false when there is nothing to evict.
func (rt *Router) ForceEvict(ctx context.Context, databaseID string) bool {
	session, ok := rt.registry.Get(databaseID)
	if !ok {
		return false
	}
	audit.Log(ctx, audit.Event{
		Type:       audit.EventForcedEviction,
		TenantID:   session.TenantID,
		DatabaseID: databaseID,
		SessionID:  session.ID,
	})
	rt.evict(session, "forced eviction")
	return true
}

// Sessions snapshots the registry for the status API.
func (rt *Router) Sessions() []SessionInfo {
	return rt.registry.List()
}

// evict tears a session down: registry removal, pending-query failure,
// connectivity flag, event, socket close. Safe to call from the read loop,
// the sweep, and the dispatch path concurrently; only the caller that wins
// the registry removal performs the side effects.
func (rt *Router) evict(s *Session, reason string) {
	if !rt.registry.Remove(s.DatabaseID, s.ID) {
		s.Close()
		return
	}

	failed := rt.pending.FailSession(s.ID, ErrConnectionLost)
	s.Close()

	rt.metrics.Evictions.WithLabelValues(evictionLabel(reason)).Inc()
	rt.metrics.ActiveSessions.Set(float64(rt.registry.Len()))

	// The socket's request context may already be gone; persistence gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := rt.tenantDBs.SetGatewayConnected(ctx, s.DatabaseID, false, time.Now()); err != nil {
		log.Error().Err(err).Str("databaseId", s.DatabaseID).Msg("failed to clear gateway connectivity")
	}

	rt.events.PublishDisconnected(ctx, s.TenantID, s.DatabaseID, s.ID, reason)
	audit.Log(ctx, audit.Event{
		Type:       audit.EventSessionEvicted,
		TenantID:   s.TenantID,
		DatabaseID: s.DatabaseID,
		SessionID:  s.ID,
		Details:    map[string]interface{}{"reason": reason, "failed_queries": failed},
	})
	log.Info().
		Str("sessionId", s.ID).
		Str("databaseId", s.DatabaseID).
		Str("reason", reason).
		Int("failedQueries", failed).
		Msg("gateway session evicted")
}

func evictionLabel(reason string) string {
	switch reason {
	case "heartbeat timeout":
		return "heartbeat_timeout"
	case "agent shutdown":
		return "agent_shutdown"
	case "forced eviction":
		return "forced"
	default:
		return "transport_error"
	}
}

func keyPrefixForLog(token string) string {
	return util.TokenPrefix(token)
}
