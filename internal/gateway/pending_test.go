package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlscope/gateway-go/internal/protocol"
)

func TestPendingTableResolve(t *testing.T) {
	t.Run("resolves by request id", func(t *testing.T) {
		table := NewPendingTable()
		ch := table.Add("req-1", "sess-1", "db-1")

		resp := &protocol.QueryResponse{RequestID: "req-1", Status: protocol.StatusSuccess}
		assert.True(t, table.Resolve("req-1", resp))

		res := <-ch
		require.NoError(t, res.err)
		assert.Equal(t, "req-1", res.resp.RequestID)
		assert.Equal(t, 0, table.Len())
	})

	t.Run("unknown request id is dropped", func(t *testing.T) {
		table := NewPendingTable()
		assert.False(t, table.Resolve("req-404", &protocol.QueryResponse{RequestID: "req-404"}))
	})

	t.Run("double resolve is dropped", func(t *testing.T) {
		table := NewPendingTable()
		table.Add("req-1", "sess-1", "db-1")

		resp := &protocol.QueryResponse{RequestID: "req-1"}
		assert.True(t, table.Resolve("req-1", resp))
		assert.False(t, table.Resolve("req-1", resp))
	})

	t.Run("correlates concurrent queries by id not order", func(t *testing.T) {
		table := NewPendingTable()
		ch1 := table.Add("req-1", "sess-1", "db-1")
		ch2 := table.Add("req-2", "sess-1", "db-1")

		// Responses arrive out of order.
		table.Resolve("req-2", &protocol.QueryResponse{RequestID: "req-2"})
		table.Resolve("req-1", &protocol.QueryResponse{RequestID: "req-1"})

		res1 := <-ch1
		res2 := <-ch2
		assert.Equal(t, "req-1", res1.resp.RequestID)
		assert.Equal(t, "req-2", res2.resp.RequestID)
	})
}

func TestPendingTableRemove(t *testing.T) {
	table := NewPendingTable()
	table.Add("req-1", "sess-1", "db-1")

	table.Remove("req-1")
	assert.Equal(t, 0, table.Len())

	// A response racing the removal is dropped, not delivered.
	assert.False(t, table.Resolve("req-1", &protocol.QueryResponse{RequestID: "req-1"}))
}

func TestPendingTableFailSession(t *testing.T) {
	table := NewPendingTable()
	ch1 := table.Add("req-1", "sess-1", "db-1")
	ch2 := table.Add("req-2", "sess-1", "db-1")
	ch3 := table.Add("req-3", "sess-2", "db-2")

	failErr := errors.New("connection lost")
	assert.Equal(t, 2, table.FailSession("sess-1", failErr))

	res1 := <-ch1
	res2 := <-ch2
	assert.ErrorIs(t, res1.err, failErr)
	assert.ErrorIs(t, res2.err, failErr)

	// The other session's query is untouched.
	assert.Equal(t, 1, table.Len())
	select {
	case <-ch3:
		t.Fatal("unrelated pending query was resolved")
	case <-time.After(20 * time.Millisecond):
	}
}
