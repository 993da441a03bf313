package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/conductor/pkg/log"
)

// HeartbeatLoop refreshes workerID's TTL every interval until stopCh closes,
// mirroring the teacher's heartbeatLoop/sendHeartbeat ticker pattern.
func (r *Registry) HeartbeatLoop(ctx context.Context, workerID string, stopCh <-chan struct{}) {
	logger := log.WithWorkerID(workerID)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Heartbeat(ctx, workerID); err != nil {
				logErr(logger, err)
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func logErr(logger zerolog.Logger, err error) {
	logger.Error().Err(err).Msg("heartbeat failed")
}
