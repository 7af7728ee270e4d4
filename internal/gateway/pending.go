package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/protocol"
)

type queryResult struct {
	resp *protocol.QueryResponse
	err  error
}

type pendingQuery struct {
	requestID   string
	sessionID   string
	databaseID  string
	submittedAt time.Time
	ch          chan queryResult
}

// PendingTable correlates in-flight QUERY_REQUESTs with their eventual
// responses by request_id. Owned exclusively by the Router; the dispatching
// caller owns only the result channel.
type PendingTable struct {
	mu      sync.Mutex
	queries map[string]*pendingQuery
}

func NewPendingTable() *PendingTable {
	return &PendingTable{queries: make(map[string]*pendingQuery)}
}

func (t *PendingTable) Add(requestID, sessionID, databaseID string) <-chan queryResult {
	p := &pendingQuery{
		requestID:   requestID,
		sessionID:   sessionID,
		databaseID:  databaseID,
		submittedAt: time.Now(),
		// Buffered so resolution never blocks the reader loop even if the
		// caller has already given up.
		ch: make(chan queryResult, 1),
	}

	t.mu.Lock()
	t.queries[requestID] = p
	t.mu.Unlock()

	return p.ch
}

// Resolve completes a pending query. Unknown or already-resolved request
// ids are dropped: the agent is not at fault if the caller timed out first.
func (t *PendingTable) Resolve(requestID string, resp *protocol.QueryResponse) bool {
	t.mu.Lock()
	p, ok := t.queries[requestID]
	if ok {
		delete(t.queries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		log.Warn().
			Str("requestId", requestID).
			Msg("query response for unknown or resolved request, dropping")
		return false
	}

	p.ch <- queryResult{resp: resp}
	return true
}

// Remove discards a pending query without resolving it (caller timeout or
// cancellation).
func (t *PendingTable) Remove(requestID string) {
	t.mu.Lock()
	delete(t.queries, requestID)
	t.mu.Unlock()
}

// FailSession fails every query still pending on one session. Called on
// eviction so callers get a connection-lost error immediately instead of
// waiting out their deadlines.
func (t *PendingTable) FailSession(sessionID string, err error) int {
	t.mu.Lock()
	var failed []*pendingQuery
	for id, p := range t.queries {
		if p.sessionID == sessionID {
			failed = append(failed, p)
			delete(t.queries, id)
		}
	}
	t.mu.Unlock()

	for _, p := range failed {
		p.ch <- queryResult{err: err}
	}
	return len(failed)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}
