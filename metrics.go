package main

import (
	"context"
	"log/slog"
	"time"
)

// relayStats is a point-in-time view of relay load.
type relayStats struct {
	Rooms        int
	Connections  int
	QuestQueue   int
	QuestDropped uint64
}

// runStatsLog logs relay load every interval until ctx is canceled. Idle
// ticks with nothing new to report are skipped.
func runStatsLog(ctx context.Context, interval time.Duration, snapshot func() relayStats, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := snapshot()
			if s.Connections == 0 && s.QuestDropped == lastDropped {
				continue
			}
			lastDropped = s.QuestDropped
			logger.Info("relay stats",
				"rooms", s.Rooms,
				"connections", s.Connections,
				"quest_queue", s.QuestQueue,
				"quest_dropped", s.QuestDropped)
		}
	}
}
