// Package leaderelection makes sure only one engine instance releases stale
// claims at a time.
//
// Leadership is a Postgres session-scoped advisory lock held on a dedicated
// connection. There is no TTL: the lock lives as long as the session, and
// Postgres drops it server-side if the connection dies. The heartbeat ping
// only detects local connection loss so duties stop promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

const unlockTimeout = 5 * time.Second

// Reasons reported to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Elector campaigns for the lock and runs Duties while it holds it.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration
	heartbeatInterval time.Duration
	duties            *Duties
	leading           atomic.Bool
	clock             retry.Clock
	metrics           MetricsSink
	logger            *zap.Logger
}

// New creates an Elector for lockKey. Followers retry every retryInterval;
// the leader pings its connection every heartbeatInterval.
func New(db *sql.DB, lockKey int64, retryInterval, heartbeatInterval time.Duration, duties *Duties) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duties:            duties,
		clock:             retry.SystemClock,
		logger:            zap.NewNop(),
	}
}

func (e *Elector) WithLogger(l *zap.Logger) *Elector {
	if l != nil {
		e.logger = l
	}
	return e
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// WithClock sets the clock used between election attempts.
func (e *Elector) WithClock(c retry.Clock) *Elector {
	if c != nil {
		e.clock = c
	}
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run campaigns until ctx is cancelled, then stops any running duties.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("leader: campaigning",
		zap.Int64("lock_key", e.lockKey),
		zap.Duration("retry", e.retryInterval),
		zap.Duration("heartbeat", e.heartbeatInterval),
	)
	defer e.duties.Stop()

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			e.logger.Info("leader: campaign stopped")
			return
		}
		if reason != "" {
			e.logger.Warn("leader: demoted", zap.String("reason", reason), zap.Duration("retry_in", e.retryInterval))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("leader: campaign stopped")
			return
		case <-e.clock.After(e.retryInterval):
		}
	}
}

// runOnce tries the lock once and, if acquired, holds it and runs the
// duties until demotion. It returns the demotion reason, or "" when the
// lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("leader: dedicated connection unavailable", zap.Error(err))
		}
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired); err != nil {
		if ctx.Err() == nil {
			e.logger.Error("leader: advisory lock query failed", zap.Error(err))
		}
		return ""
	}
	if !acquired {
		e.logger.Debug("leader: lock held elsewhere", zap.Int64("lock_key", e.lockKey))
		return ""
	}

	e.setLeading(true)
	e.logger.Info("leader: elected, starting duties", zap.Int64("lock_key", e.lockKey))
	if e.metrics != nil {
		e.metrics.LeaderAcquired()
	}

	e.duties.Start(ctx)
	reason := e.holdLock(ctx, conn)
	e.duties.Stop()
	e.unlock(conn)

	e.setLeading(false)
	if e.metrics != nil {
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("leader: duties stopped, lock released", zap.String("reason", reason))
	return reason
}

func (e *Elector) setLeading(v bool) {
	e.leading.Store(v)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(v)
	}
}

func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error("leader: dedicated connection lost", zap.Error(err))
				return ReasonConnLost
			}
		}
	}
}

// unlock releases the lock explicitly. Closing a *sql.Conn only returns the
// session to the pool, which would keep holding it.
func (e *Elector) unlock(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.lockKey); err != nil {
		e.logger.Warn("leader: advisory unlock failed", zap.Error(err))
	}
}
