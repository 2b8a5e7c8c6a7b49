package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
)

// RunStats logs server totals every interval until ctx is canceled. Idle
// servers stay quiet.
func RunStats(ctx context.Context, reg *state.Registry, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := reg.UserCount()
			rooms := reg.RoomCount()
			msgs, err := st.MessageCount(ctx)
			if err != nil {
				slog.Error("stats query failed", "err", err)
				continue
			}
			if users > 0 || rooms > 0 {
				slog.Info("stats", "users", users, "rooms", rooms, "messages", msgs)
			}
		}
	}
}
