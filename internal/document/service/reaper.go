package service

import (
	"context"
	"time"

	"formdesk/pkg/logger"
)

// ReapWorker runs ReapStale every interval until ctx is cancelled.
func (s *SessionService) ReapWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.TTL <= 0 {
		logger.Sugar.Info("Session reaper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReapStale(ctx)
			if err != nil {
				// Try again on the next tick.
				logger.Sugar.Errorf("Failed to reap stale sessions: %v", err)
				continue
			}
			if n > 0 {
				logger.Sugar.Infof("Reaped %d stale edit sessions", n)
			}
		}
	}
}
