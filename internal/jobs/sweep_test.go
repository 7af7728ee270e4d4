package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlscope/gateway-go/internal/model"
	"github.com/sqlscope/gateway-go/internal/repository"
)

type countingEvictor struct {
	calls atomic.Int32
}

func (e *countingEvictor) EvictStale() int {
	e.calls.Add(1)
	return 0
}

func TestSweepJob(t *testing.T) {
	evictor := &countingEvictor{}
	job := NewSweepJob(evictor, 10*time.Millisecond)

	job.Start()
	require.Eventually(t, func() bool { return evictor.calls.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	job.Stop()

	// No further sweeps after stop.
	stopped := evictor.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, evictor.calls.Load())
}

type reconcileRepo struct {
	disconnected atomic.Int32
}

func (r *reconcileRepo) FindByID(ctx context.Context, id string) (*model.TenantDatabase, error) {
	return nil, nil
}

func (r *reconcileRepo) SetGatewayConnected(ctx context.Context, id string, connected bool, at time.Time) error {
	return nil
}

func (r *reconcileRepo) DisconnectAll(ctx context.Context) (int64, error) {
	r.disconnected.Add(1)
	return 2, nil
}

func (r *reconcileRepo) WithTx(tx *sqlx.Tx) repository.TenantDatabaseRepository { return r }

func TestReconcileConnectivity(t *testing.T) {
	repo := &reconcileRepo{}
	ReconcileConnectivity(context.Background(), repo)
	assert.Equal(t, int32(1), repo.disconnected.Load())
}
