package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend now and then kills one backend of the current
// database, so in-flight transactions of the actors fail mid-way.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid()
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// HoldExpertLock keeps a random expert profile locked for a short while,
// stalling strikes and visibility changes for that expert behind it.
func HoldExpertLock(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			tx, err := pool.Begin(ctx)
			if err != nil {
				continue
			}
			var id string
			err = tx.QueryRow(ctx, `SELECT user_id::text FROM expert_profiles ORDER BY random() LIMIT 1 FOR UPDATE`).Scan(&id)
			if err == nil {
				time.Sleep(time.Duration(100+rand.Intn(400)) * time.Millisecond)
			}
			_ = tx.Rollback(ctx)
		}
	}
}
