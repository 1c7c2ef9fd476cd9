package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock keys for single-leader background tasks. Two instances must
// never run the same tick concurrently; a Postgres session-level advisory
// lock held for the duration of one tick guarantees that.
const (
	LockConsentExpiryScanner int64 = 0x61626d_01
	LockFetchWatchdog        int64 = 0x61626d_02
)

// WithLeaderLock runs fn only if the advisory lock for key is free, so at
// most one instance across the deployment executes it at a time. Returns
// false (without error) when another instance holds the lock.
func WithLeaderLock(ctx context.Context, pool *pgxpool.Pool, key int64, fn func(ctx context.Context) error) (bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)

	return true, fn(ctx)
}
