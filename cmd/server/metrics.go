package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskpilot/internal/metrics"
	"taskpilot/internal/store"
)

// collectPendingGauge samples the pending queue depth until the context is
// cancelled.
func collectPendingGauge(ctx context.Context, s *store.Store, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.PendingCount(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("failed to sample pending queue depth")
				continue
			}
			metrics.UpdatePendingTasks(int(count))
		}
	}
}
