// Package leaderelection provides Postgres advisory lock-based leader election.
//
// Only the leader runs the firing loop and the reconciler; every instance
// serves the API and registers jobs. Claims are exclusive in the store anyway,
// so leadership limits wasted sweeps rather than guarding correctness.
//
// A single session-scoped advisory lock determines the leader. The lock is
// held for the lifetime of a dedicated connection with no renewal or TTL. If
// the connection dies, Postgres releases the lock server-side.
//
// The heartbeat ping only detects local connection death so the leader can
// stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// MetricsSink records leader election metrics. Methods must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost. It should block
// until leader duties are fully stopped, and must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	slog.Info("leader: starting election loop",
		"lock_key", e.lockKey, "retry", e.retryInterval, "heartbeat", e.heartbeatInterval)

	for {
		if ctx.Err() != nil {
			slog.Info("leader: election loop stopped")
			return
		}

		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			slog.Warn("leader: lost leadership", "reason", reason, "retry_in", e.retryInterval)
		}

		select {
		case <-ctx.Done():
			slog.Info("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory locks are session-scoped: use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		slog.Error("leader: failed to acquire dedicated connection", "err", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("leader: advisory lock query failed", "err", err)
		}
		return ""
	}
	if !acquired {
		slog.Debug("leader: lock held by another instance", "lock_key", e.lockKey)
		return ""
	}

	slog.Info("leader: acquired advisory lock", "lock_key", e.lockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()

	if reason == "shutdown" {
		// Release explicitly so a peer can take over without waiting for the
		// connection to be reaped.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.lockKey); err != nil {
			slog.Warn("leader: advisory unlock failed", "err", err)
		}
		cancel()
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	slog.Info("leader: released advisory lock", "lock_key", e.lockKey, "reason", reason)
	return reason
}

// holdLock blocks while pinging the dedicated connection and returns the
// reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				slog.Error("leader: dedicated connection ping failed", "err", err)
				return "conn_lost"
			}
		}
	}
}
