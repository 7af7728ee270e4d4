package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/repository"
)

// Evictor is the slice of the session router the sweep needs.
type Evictor interface {
	EvictStale() int
}

// SweepJob periodically evicts sessions whose heartbeats have gone stale.
// The read loop usually notices a dead socket first; the sweep catches the
// ones where the socket never signals closure.
type SweepJob struct {
	evictor  Evictor
	interval time.Duration
	done     chan struct{}
}

func NewSweepJob(evictor Evictor, interval time.Duration) *SweepJob {
	return &SweepJob{
		evictor:  evictor,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("session sweep started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("session sweep stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			if evicted := j.evictor.EvictStale(); evicted > 0 {
				log.Info().Int("count", evicted).Msg("evicted stale sessions")
			}
		}
	}
}

// ReconcileConnectivity clears persisted gateway_connected flags at boot.
// The in-memory registry is empty after a restart, so any flag still set is
// stale until the agent reconnects.
func ReconcileConnectivity(ctx context.Context, repo repository.TenantDatabaseRepository) {
	count, err := repo.DisconnectAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to reconcile gateway connectivity flags")
		return
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("cleared stale gateway connectivity flags")
	}
}
