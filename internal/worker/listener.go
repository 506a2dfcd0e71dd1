package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// wakeChannel is the Postgres notification channel the research_jobs insert
// trigger publishes to.
const wakeChannel = "research_jobs_wake"

// listenRetryDelay is how long the listener waits before re-establishing a
// lost LISTEN connection.
const listenRetryDelay = 5 * time.Second

// runListener subscribes to the wake channel and calls wake for every
// notification. It is a pure latency optimization: every failure path logs a
// warning and degrades to poll-only until the connection can be re-established,
// because the fallback poller already guarantees liveness.
func runListener(ctx context.Context, pool *pgxpool.Pool, wake func(), log *slog.Logger) {
	for {
		if err := listenOnce(ctx, pool, wake); err != nil && ctx.Err() == nil {
			log.Warn("job wake-up listener lost, running poll-only until reconnect",
				"channel", wakeChannel, "error", err)
		}
		timer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listenOnce holds one pool connection for the lifetime of the subscription
// and blocks in WaitForNotification until the connection dies or ctx is
// cancelled. Notifications are coalesced by the wake channel's buffer, so a
// burst of inserts costs at most one extra dispatch cycle.
func listenOnce(ctx context.Context, pool *pgxpool.Pool, wake func()) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+wakeChannel); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		wake()
	}
}
