package gateway

import (
	"sync"
	"time"

	"github.com/sqlscope/gateway-go/internal/config"
	"github.com/sqlscope/gateway-go/internal/model"
	"github.com/sqlscope/gateway-go/internal/protocol"
)

// sessionConn is the slice of *websocket.Conn the session needs.
type sessionConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is the live, authenticated binding between one agent connection
// and one database. It lives only in process memory; restart drops it and
// the agent re-authenticates.
type Session struct {
	ID            string
	DatabaseID    string
	TenantID      string
	KeyID         string
	AgentVersion  string
	AgentHostname string
	AgentOS       string

	AuthenticatedAt time.Time

	conn      sessionConn
	writeMu   sync.Mutex
	closeOnce sync.Once

	mu              sync.Mutex
	lastHeartbeatAt time.Time
}

func newSession(id string, key *model.GatewayKey, auth *protocol.AuthRequest, conn sessionConn) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		DatabaseID:      key.DatabaseID,
		TenantID:        key.TenantID,
		KeyID:           key.ID,
		AgentVersion:    auth.AgentVersion,
		AgentHostname:   auth.AgentHostname,
		AgentOS:         auth.AgentOS,
		AuthenticatedAt: now,
		conn:            conn,
		lastHeartbeatAt: now,
	}
}

// Send writes one frame to the agent. Writes are serialized: query
// responses and heartbeat acks come from different goroutines and must not
// interleave partial frames.
func (s *Session) Send(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// SessionInfo is the registry snapshot exposed on the status API.
type SessionInfo struct {
	SessionID       string    `json:"sessionId"`
	DatabaseID      string    `json:"databaseId"`
	TenantID        string    `json:"tenantId"`
	AgentVersion    string    `json:"agentVersion"`
	AgentHostname   string    `json:"agentHostname"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Registry maps each database id to its single live session. All access is
// synchronized here; nothing else touches the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // databaseID -> session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register inserts a session, returning the session it displaced for the
// same database, if any. Newest wins.
func (r *Registry) Register(s *Session) (evicted *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted = r.sessions[s.DatabaseID]
	r.sessions[s.DatabaseID] = s
	return evicted
}

func (r *Registry) Get(databaseID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[databaseID]
	return s, ok
}

// Remove deletes the session only if it is still the registered one for its
// database. A stale or repeated removal is a no-op, which makes eviction
// idempotent under concurrent sweep, socket error, and replacement.
func (r *Registry) Remove(databaseID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[databaseID]
	if !ok || s.ID != sessionID {
		return false
	}
	delete(r.sessions, databaseID)
	return true
}

// Stale returns sessions whose last heartbeat is before the cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Session
	for _, s := range r.sessions {
		if s.LastHeartbeatAt().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			SessionID:       s.ID,
			DatabaseID:      s.DatabaseID,
			TenantID:        s.TenantID,
			AgentVersion:    s.AgentVersion,
			AgentHostname:   s.AgentHostname,
			AuthenticatedAt: s.AuthenticatedAt,
			LastHeartbeatAt: s.LastHeartbeatAt(),
		})
	}
	return infos
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
