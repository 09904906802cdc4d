package workflow

import (
	"context"
	"log/slog"
	"time"

	"narrator/internal/logging"
)

const maintenanceInterval = 15 * time.Minute

// runMaintenance periodically reclaims orphaned queue jobs and purges
// terminal ones past the retention window. One pass runs at startup so a
// restart recovers work held by a crashed predecessor immediately.
func (m *Manager) runMaintenance(ctx context.Context) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String(logging.FieldComponent, "maintenance"))

	for {
		m.maintain(ctx, logger)
		if !m.waitOrShutdown(ctx, maintenanceInterval) {
			return
		}
	}
}

func (m *Manager) maintain(ctx context.Context, logger *slog.Logger) {
	reclaimed, err := m.queue.ReclaimStale(ctx, m.staleDeadline)
	if err != nil {
		m.setLastError(err)
		logger.Error("reclaim stale jobs", logging.Error(err))
	} else if reclaimed > 0 {
		logger.Warn("reclaimed stale queue jobs", logging.Int64("count", reclaimed))
	}

	purged, err := m.queue.PurgeFinished(ctx, m.retention)
	if err != nil {
		m.setLastError(err)
		logger.Error("purge finished jobs", logging.Error(err))
	} else if purged > 0 {
		logger.Info("purged finished queue jobs", logging.Int64("count", purged))
	}
}
