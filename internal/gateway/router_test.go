package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlscope/gateway-go/internal/config"
	"github.com/sqlscope/gateway-go/internal/database"
	"github.com/sqlscope/gateway-go/internal/metrics"
	"github.com/sqlscope/gateway-go/internal/model"
	"github.com/sqlscope/gateway-go/internal/protocol"
	"github.com/sqlscope/gateway-go/internal/repository"
	"github.com/sqlscope/gateway-go/internal/util"
)

const testAgentToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type mockKeyRepo struct {
	mu      sync.Mutex
	key     *model.GatewayKey
	touched int
}

func (m *mockKeyRepo) FindByHash(ctx context.Context, keyHash string) (*model.GatewayKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil || m.key.KeyHash != keyHash {
		return nil, nil
	}
	k := *m.key
	return &k, nil
}

func (m *mockKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func (m *mockKeyRepo) WithTx(tx *sqlx.Tx) repository.GatewayKeyRepository { return m }

type mockTenantDBRepo struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newMockTenantDBRepo() *mockTenantDBRepo {
	return &mockTenantDBRepo{connected: make(map[string]bool)}
}

func (m *mockTenantDBRepo) FindByID(ctx context.Context, id string) (*model.TenantDatabase, error) {
	return nil, nil
}

func (m *mockTenantDBRepo) SetGatewayConnected(ctx context.Context, id string, connected bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[id] = connected
	return nil
}

func (m *mockTenantDBRepo) DisconnectAll(ctx context.Context) (int64, error) { return 0, nil }

func (m *mockTenantDBRepo) WithTx(tx *sqlx.Tx) repository.TenantDatabaseRepository { return m }

func (m *mockTenantDBRepo) isConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[id]
}

type mockPublisher struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	lastReason  string
}

func (m *mockPublisher) PublishConnected(ctx context.Context, tenantID, databaseID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, databaseID)
}

func (m *mockPublisher) PublishDisconnected(ctx context.Context, tenantID, databaseID, sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, databaseID)
	m.lastReason = reason
}

func (m *mockPublisher) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connects)
}

func (m *mockPublisher) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnects)
}

func (m *mockPublisher) lastDisconnectReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReason
}

type routerFixture struct {
	rt        *Router
	keys      *mockKeyRepo
	tenantDBs *mockTenantDBRepo
	events    *mockPublisher
	sqlMock   sqlmock.Sqlmock
	wsURL     string
}

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatIntervalSeconds:   30,
		HeartbeatTimeoutMultiplier: 3,
		AuthReadDeadlineSeconds:    2,
		DefaultQueryTimeoutSeconds: 2,
		DefaultMaxRows:             100,
	}
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	mockDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	f := &routerFixture{
		keys:      &mockKeyRepo{key: validKey()},
		tenantDBs: newMockTenantDBRepo(),
		events:    &mockPublisher{},
		sqlMock:   sqlMock,
	}
	f.rt = NewRouter(
		testConfig(),
		&database.DB{DB: sqlx.NewDb(mockDB, "sqlmock")},
		f.keys,
		f.tenantDBs,
		f.events,
		metrics.New(prometheus.NewRegistry()),
	)

	server := httptest.NewServer(http.HandlerFunc(f.rt.HandleWS))
	t.Cleanup(server.Close)
	f.wsURL = "ws" + strings.TrimPrefix(server.URL, "http")

	return f
}

func validKey() *model.GatewayKey {
	return &model.GatewayKey{
		ID:         "key-1",
		KeyPrefix:  util.TokenPrefix(testAgentToken),
		KeyHash:    util.HashToken(testAgentToken),
		TenantID:   "tenant-1",
		DatabaseID: "db-1",
		Scopes:     pq.StringArray{model.ScopeGateway},
		IsActive:   true,
	}
}

// expectPersist arms the transaction the handshake runs to flip the
// connectivity flag and touch the key.
func (f *routerFixture) expectPersist() {
	f.sqlMock.ExpectBegin()
	f.sqlMock.ExpectCommit()
}

func (f *routerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// connectAgent dials, authenticates and returns the live connection plus the
// session id the cloud assigned.
func (f *routerFixture) connectAgent(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	f.expectPersist()

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(protocol.NewAuthRequest(testAgentToken, "1.2.3", "agent-host", "linux")))

	resp, ok := readFrame(t, conn).(*protocol.AuthResponse)
	require.True(t, ok)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotEmpty(t, resp.SessionID)

	return conn, resp.SessionID
}

// serveQueries answers every QUERY_REQUEST on the connection until the
// connection dies. The first column of the response echoes the query text so
// tests can verify correlation.
func serveQueries(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		req, ok := msg.(*protocol.QueryRequest)
		if !ok {
			continue
		}
		conn.WriteJSON(&protocol.QueryResponse{
			Type:      protocol.TypeQueryResponse,
			RequestID: req.RequestID,
			Status:    protocol.StatusSuccess,
			Columns:   []string{req.SQLQuery},
			Rows:      [][]any{{1}},
			RowCount:  1,
		})
	}
}

func TestHandshake(t *testing.T) {
	t.Run("valid token establishes a session", func(t *testing.T) {
		f := newRouterFixture(t)
		_, sessionID := f.connectAgent(t)

		sessions := f.rt.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, sessionID, sessions[0].SessionID)
		assert.Equal(t, "db-1", sessions[0].DatabaseID)
		assert.Equal(t, "agent-host", sessions[0].AgentHostname)

		assert.True(t, f.tenantDBs.isConnected("db-1"))
		assert.Eventually(t, func() bool { return f.events.connectCount() == 1 },
			time.Second, 10*time.Millisecond)
		require.NoError(t, f.sqlMock.ExpectationsWereMet())
	})

	t.Run("rejects bad credentials", func(t *testing.T) {
		expired := time.Now().Add(-time.Hour)

		tests := []struct {
			name    string
			mutate  func(k *model.GatewayKey)
			token   string
			wantErr string
		}{
			{
				name:    "unknown token",
				mutate:  func(k *model.GatewayKey) {},
				token:   "not-the-real-token",
				wantErr: "invalid token",
			},
			{
				name:    "revoked key",
				mutate:  func(k *model.GatewayKey) { k.IsActive = false },
				token:   testAgentToken,
				wantErr: "token revoked",
			},
			{
				name:    "expired key",
				mutate:  func(k *model.GatewayKey) { k.ExpiresAt = &expired },
				token:   testAgentToken,
				wantErr: "token expired",
			},
			{
				name:    "missing gateway scope",
				mutate:  func(k *model.GatewayKey) { k.Scopes = pq.StringArray{"metrics"} },
				token:   testAgentToken,
				wantErr: "missing gateway scope",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newRouterFixture(t)
				tt.mutate(f.keys.key)

				conn := f.dial(t)
				require.NoError(t, conn.WriteJSON(protocol.NewAuthRequest(tt.token, "1.2.3", "agent-host", "linux")))

				resp, ok := readFrame(t, conn).(*protocol.AuthResponse)
				require.True(t, ok)
				assert.Equal(t, protocol.StatusError, resp.Status)
				assert.Equal(t, tt.wantErr, resp.ErrorMessage)

				assert.Empty(t, f.rt.Sessions())
				assert.False(t, f.tenantDBs.isConnected("db-1"))
			})
		}
	})

	t.Run("first frame must be an auth request", func(t *testing.T) {
		f := newRouterFixture(t)

		conn := f.dial(t)
		require.NoError(t, conn.WriteJSON(protocol.NewHeartbeat("sess-x", "ok", 0, 0)))

		resp, ok := readFrame(t, conn).(*protocol.AuthResponse)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Equal(t, "authentication required", resp.ErrorMessage)
		assert.Empty(t, f.rt.Sessions())
	})

	t.Run("malformed first frame is rejected", func(t *testing.T) {
		f := newRouterFixture(t)

		conn := f.dial(t)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

		resp, ok := readFrame(t, conn).(*protocol.AuthResponse)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusError, resp.Status)
	})
}

func TestNewestWins(t *testing.T) {
	f := newRouterFixture(t)

	first, firstID := f.connectAgent(t)
	second, secondID := f.connectAgent(t)
	defer second.Close()

	require.NotEqual(t, firstID, secondID)

	// The replaced connection is closed by the cloud.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// Only the new session remains, and the database stays connected through
	// the replacement.
	require.Eventually(t, func() bool {
		sessions := f.rt.Sessions()
		return len(sessions) == 1 && sessions[0].SessionID == secondID
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, f.tenantDBs.isConnected("db-1"))
}

func TestDispatch(t *testing.T) {
	t.Run("fails immediately with no live session", func(t *testing.T) {
		f := newRouterFixture(t)

		started := time.Now()
		_, err := f.rt.Dispatch(context.Background(), "db-1", "SELECT 1", 0, 0)
		assert.ErrorIs(t, err, ErrNoLiveSession)
		assert.Less(t, time.Since(started), 500*time.Millisecond)
	})

	t.Run("round trips a query", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)
		go serveQueries(conn)

		resp, err := f.rt.Dispatch(context.Background(), "db-1", "SELECT 1", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusSuccess, resp.Status)
		assert.Equal(t, []string{"SELECT 1"}, resp.Columns)
		assert.Equal(t, 1, resp.RowCount)
	})

	t.Run("correlates concurrent queries by request id", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)

		// Collect both requests first, then answer in reverse order so
		// arrival order cannot masquerade as correlation.
		ready := make(chan []*protocol.QueryRequest, 1)
		go func() {
			var reqs []*protocol.QueryRequest
			for len(reqs) < 2 {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				msg, err := protocol.Decode(data)
				if err != nil {
					return
				}
				if req, ok := msg.(*protocol.QueryRequest); ok {
					reqs = append(reqs, req)
				}
			}
			ready <- reqs
		}()

		type result struct {
			sql  string
			resp *protocol.QueryResponse
			err  error
		}
		results := make(chan result, 2)
		for _, sqlQuery := range []string{"SELECT a", "SELECT b"} {
			go func(q string) {
				resp, err := f.rt.Dispatch(context.Background(), "db-1", q, 2*time.Second, 0)
				results <- result{sql: q, resp: resp, err: err}
			}(sqlQuery)
		}

		select {
		case reqs := <-ready:
			for i := len(reqs) - 1; i >= 0; i-- {
				require.NoError(t, conn.WriteJSON(&protocol.QueryResponse{
					Type:      protocol.TypeQueryResponse,
					RequestID: reqs[i].RequestID,
					Status:    protocol.StatusSuccess,
					Columns:   []string{reqs[i].SQLQuery},
				}))
			}
		case <-time.After(3 * time.Second):
			t.Fatal("agent never received both query requests")
		}

		for i := 0; i < 2; i++ {
			res := <-results
			require.NoError(t, res.err)
			assert.Equal(t, []string{res.sql}, res.resp.Columns)
		}
	})

	t.Run("times out when the agent never answers", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)

		// Drain requests without answering.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		started := time.Now()
		_, err := f.rt.Dispatch(context.Background(), "db-1", "SELECT pg_sleep(60)", 200*time.Millisecond, 0)
		assert.ErrorIs(t, err, ErrQueryTimeout)
		assert.Less(t, time.Since(started), time.Second)

		// A slow query is not a dead session.
		assert.Len(t, f.rt.Sessions(), 1)
	})

	t.Run("timeouts are independent per dispatch", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		type outcome struct {
			timeout time.Duration
			elapsed time.Duration
			err     error
		}
		results := make(chan outcome, 2)
		for _, timeout := range []time.Duration{200 * time.Millisecond, 600 * time.Millisecond} {
			go func(d time.Duration) {
				started := time.Now()
				_, err := f.rt.Dispatch(context.Background(), "db-1", "SELECT 1", d, 0)
				results <- outcome{timeout: d, elapsed: time.Since(started), err: err}
			}(timeout)
		}

		for i := 0; i < 2; i++ {
			res := <-results
			assert.ErrorIs(t, res.err, ErrQueryTimeout)
			// Each caller fails at roughly its own deadline, not the other's.
			assert.GreaterOrEqual(t, res.elapsed, res.timeout)
			assert.Less(t, res.elapsed, res.timeout+500*time.Millisecond)
		}
	})

	t.Run("fails pending queries when the connection drops", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)

		// Agent reads the request, then dies mid-query.
		go func() {
			conn.ReadMessage()
			conn.Close()
		}()

		started := time.Now()
		_, err := f.rt.Dispatch(context.Background(), "db-1", "SELECT 1", 10*time.Second, 0)
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Less(t, time.Since(started), 3*time.Second)

		require.Eventually(t, func() bool { return !f.tenantDBs.isConnected("db-1") },
			3*time.Second, 10*time.Millisecond)
		assert.Empty(t, f.rt.Sessions())
	})

	t.Run("returns on caller cancellation", func(t *testing.T) {
		f := newRouterFixture(t)
		conn, _ := f.connectAgent(t)

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := f.rt.Dispatch(ctx, "db-1", "SELECT 1", 10*time.Second, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHeartbeat(t *testing.T) {
	f := newRouterFixture(t)
	conn, sessionID := f.connectAgent(t)

	session, ok := f.rt.registry.Get("db-1")
	require.True(t, ok)
	before := session.LastHeartbeatAt()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(protocol.NewHeartbeat(sessionID, "ok", 7, 60)))

	_, isAck := readFrame(t, conn).(*protocol.HeartbeatAck)
	assert.True(t, isAck)
	assert.True(t, session.LastHeartbeatAt().After(before))
}

func TestCloseMessage(t *testing.T) {
	f := newRouterFixture(t)
	conn, sessionID := f.connectAgent(t)

	require.NoError(t, conn.WriteJSON(protocol.NewClose(sessionID, "deploy")))

	require.Eventually(t, func() bool { return len(f.rt.Sessions()) == 0 },
		3*time.Second, 10*time.Millisecond)
	assert.False(t, f.tenantDBs.isConnected("db-1"))
	assert.Equal(t, 1, f.events.disconnectCount())
	assert.Equal(t, "agent shutdown", f.events.lastDisconnectReason())
}

func TestEvictStale(t *testing.T) {
	f := newRouterFixture(t)
	conn, _ := f.connectAgent(t)

	t.Run("fresh sessions survive the sweep", func(t *testing.T) {
		assert.Equal(t, 0, f.rt.EvictStale())
		assert.Len(t, f.rt.Sessions(), 1)
	})

	t.Run("silent sessions are evicted", func(t *testing.T) {
		session, ok := f.rt.registry.Get("db-1")
		require.True(t, ok)
		session.mu.Lock()
		session.lastHeartbeatAt = time.Now().Add(-time.Hour)
		session.mu.Unlock()

		assert.Equal(t, 1, f.rt.EvictStale())
		assert.Empty(t, f.rt.Sessions())
		assert.False(t, f.tenantDBs.isConnected("db-1"))

		// The agent's socket is closed.
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestForceEvict(t *testing.T) {
	f := newRouterFixture(t)
	f.connectAgent(t)

	assert.True(t, f.rt.ForceEvict(context.Background(), "db-1"))
	assert.Empty(t, f.rt.Sessions())
	assert.False(t, f.tenantDBs.isConnected("db-1"))

	// Nothing left to evict.
	assert.False(t, f.rt.ForceEvict(context.Background(), "db-1"))
}
