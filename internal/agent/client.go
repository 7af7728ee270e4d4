// Package agent implements the on-premises side of the gateway tunnel: one
// outbound WebSocket to the control plane, kept authenticated and alive,
// executing delegated queries against the local database.
package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/config"
	"github.com/sqlscope/gateway-go/internal/protocol"
)

type Client struct {
	cfg      *config.AgentConfig
	executor *Executor
	version  string

	queriesExecuted atomic.Int64
	startedAt       time.Time
}

func NewClient(cfg *config.AgentConfig, executor *Executor, version string) *Client {
	return &Client{
		cfg:       cfg,
		executor:  executor,
		version:   version,
		startedAt: time.Now(),
	}
}

// Run keeps exactly one tunnel open until the context is cancelled. Every
// reconnection re-authenticates from scratch; no session state survives a
// disconnect. Backoff doubles from the base up to the configured cap and
// resets after a successful authentication.
func (c *Client) Run(ctx context.Context) error {
	backoff := config.ReconnectBaseBackoff

	for {
		authenticated, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authenticated {
			backoff = config.ReconnectBaseBackoff
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("tunnel disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if max := c.cfg.ReconnectMaxBackoff(); backoff > max {
			backoff = max
		}
	}
}

// tunnel serializes writes to the single socket: concurrent query
// executions each emit their own response and must not interleave frames.
type tunnel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *tunnel) send(msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	return t.conn.WriteJSON(msg)
}

// runOnce performs one connect-authenticate-serve cycle. It reports whether
// authentication succeeded so the caller can reset its backoff.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: config.WSDialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(config.WSMaxMessageBytes)

	sessionID, err := c.authenticate(conn)
	if err != nil {
		return false, err
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("gatewayUrl", c.cfg.GatewayURL).
		Msg("gateway session established")

	t := &tunnel{conn: conn}
	err = c.serve(ctx, t, sessionID)
	return true, err
}

func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	hostname, _ := os.Hostname()
	req := protocol.NewAuthRequest(c.cfg.GatewayToken, c.version, hostname, runtime.GOOS)

	conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("send auth request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(config.WSDialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}

	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return "", fmt.Errorf("expected auth response, got %T", msg)
	}
	if resp.Status != protocol.StatusSuccess {
		return "", fmt.Errorf("authentication rejected: %s", resp.ErrorMessage)
	}
	return resp.SessionID, nil
}

// serve runs the heartbeat loop and the read loop until either fails or the
// context is cancelled. On cancellation it sends CLOSE so the cloud clears
// the connectivity flag immediately.
func (c *Client) serve(ctx context.Context, t *tunnel, sessionID string) error {
	var lastAck atomic.Int64
	lastAck.Store(time.Now().UnixNano())

	heartbeatErr := make(chan error, 1)
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)

	go c.heartbeatLoop(t, sessionID, &lastAck, heartbeatErr, heartbeatDone)

	go func() {
		select {
		case <-ctx.Done():
			_ = t.send(protocol.NewClose(sessionID, "agent shutdown"))
			t.conn.Close()
		case <-heartbeatDone:
		}
	}()

	readDeadline := c.cfg.HeartbeatInterval() + 2*c.cfg.HeartbeatAckGrace()

	for {
		t.conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Heartbeat failures close the socket to unblock this read;
			// report the underlying cause rather than the read error.
			select {
			case hbErr := <-heartbeatErr:
				return hbErr
			default:
			}
			return fmt.Errorf("read frame: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("malformed frame from cloud, dropping")
			continue
		}

		switch m := msg.(type) {
		case *protocol.HeartbeatAck:
			lastAck.Store(time.Now().UnixNano())

		case *protocol.QueryRequest:
			// Queries execute concurrently; a slow query must not delay
			// heartbeats or the cloud will evict the session as dead.
			go c.handleQuery(t, m)

		default:
			log.Warn().Msgf("unexpected message type %T from cloud, dropping", msg)
		}
	}
}

func (c *Client) heartbeatLoop(t *tunnel, sessionID string, lastAck *atomic.Int64, errCh chan<- error, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		sinceAck := time.Since(time.Unix(0, lastAck.Load()))
		if sinceAck > c.cfg.HeartbeatInterval()+c.cfg.HeartbeatAckGrace() {
			errCh <- fmt.Errorf("no heartbeat ack for %s", sinceAck.Round(time.Second))
			t.conn.Close()
			return
		}

		hb := protocol.NewHeartbeat(
			sessionID,
			c.dbStatus(),
			c.queriesExecuted.Load(),
			int64(time.Since(c.startedAt).Seconds()),
		)
		if err := t.send(hb); err != nil {
			errCh <- fmt.Errorf("send heartbeat: %w", err)
			t.conn.Close()
			return
		}
	}
}

func (c *Client) dbStatus() string {
	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()

	if err := c.executor.Ping(ctx); err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// handleQuery executes one delegated query and always responds with exactly
// one QUERY_RESPONSE for the request id, even on failure. Silence is never
// acceptable: the cloud is blocking a caller on this request.
func (c *Client) handleQuery(t *tunnel, req *protocol.QueryRequest) {
	started := time.Now()
	result, err := c.executor.Execute(context.Background(), req.SQLQuery, req.Timeout(), req.MaxRows)
	c.queriesExecuted.Add(1)

	var resp *protocol.QueryResponse
	if err != nil {
		log.Warn().Err(err).Str("requestId", req.RequestID).Msg("local query execution failed")
		resp = protocol.NewQueryError(req.RequestID, err.Error(), time.Since(started))
	} else {
		resp = &protocol.QueryResponse{
			Type:            protocol.TypeQueryResponse,
			RequestID:       req.RequestID,
			Status:          protocol.StatusSuccess,
			Columns:         result.Columns,
			Rows:            result.Rows,
			RowCount:        len(result.Rows),
			Truncated:       result.Truncated,
			ExecutionTimeMS: float64(result.Duration.Microseconds()) / 1000,
		}
		log.Debug().
			Str("requestId", req.RequestID).
			Int("rowCount", resp.RowCount).
			Bool("truncated", resp.Truncated).
			Dur("duration", result.Duration).
			Msg("query executed")
	}

	if err := t.send(resp); err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("failed to send query response")
	}
}
