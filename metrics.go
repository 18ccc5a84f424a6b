package main

import (
	"context"
	"log/slog"
	"time"

	"jircd/internal/core"
)

// RunMetrics logs directory stats every interval until ctx is canceled.
// Counters are cumulative since the previous tick.
func RunMetrics(ctx context.Context, dir *core.Directory, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatched, delivered, dropped, conns, channels := dir.Stats()
			if conns > 0 || dispatched > 0 {
				slog.Info("stats",
					"conns", conns,
					"channels", channels,
					"dispatched", dispatched,
					"delivered", delivered,
					"dropped", dropped,
				)
			}
		}
	}
}
