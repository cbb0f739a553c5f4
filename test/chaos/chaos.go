package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends of the current database so the services
// see dropped connections mid-transaction.
type Killer struct {
	Every  time.Duration
	OneIn  int
	Killed atomic.Int64
}

// Run ticks until ctx or stop ends. pool must be separate from the one the
// services use so the killer does not terminate itself.
func (k *Killer) Run(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	every, oneIn := k.Every, k.OneIn
	if every <= 0 {
		every = 2 * time.Second
	}
	if oneIn <= 0 {
		oneIn = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var n int64
			err := pool.QueryRow(ctx, `
WITH victim AS (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
    ORDER BY random() LIMIT 1)
SELECT COUNT(*) FROM victim WHERE pg_terminate_backend(pid)`).Scan(&n)
			if err == nil {
				k.Killed.Add(n)
			}
		}
	}
}
