// Package analytics keeps best-effort Redis counters of terminal outcomes.
// Nothing here affects execution correctness.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

const DefaultRetention = 30 * 24 * time.Hour

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{
		client:    client,
		retention: DefaultRetention,
		timeout:   2 * time.Second,
		logger:    zap.NewNop(),
	}
}

func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

func (s *RedisSink) WithLogger(l *zap.Logger) *RedisSink {
	if l != nil {
		s.logger = l
	}
	return s
}

// Record increments the outcome counter for the record's project, type and
// day, and adds generated effects to the project's running sums.
// Errors are logged, never returned.
func (s *RedisSink) Record(ctx context.Context, rec domain.ExecutionRecord) {
	if err := s.Write(ctx, rec); err != nil {
		s.logger.Warn("analytics: write failed",
			zap.String("execution_id", rec.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *RedisSink) Write(ctx context.Context, rec domain.ExecutionRecord) error {
	if !rec.Status.IsTerminal() || rec.ExecutedAt == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	project := rec.ProjectID.String()
	key := outcomeKey(project, rec.Type, rec.Status, *rec.ExecutedAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if rec.Effects != nil {
		for _, group := range []struct {
			name    string
			effects domain.Effects
		}{
			{"economic", rec.Effects.Economic},
			{"social", rec.Effects.Social},
		} {
			if len(group.effects) == 0 {
				continue
			}
			ek := effectsKey(project, group.name)
			for indicator, delta := range group.effects {
				pipe.HIncrByFloat(ctx, ek, indicator, delta)
			}
			pipe.Expire(ctx, ek, s.retention)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

func outcomeKey(projectID string, typ domain.ExecutionType, status domain.ExecutionStatus, t time.Time) string {
	return fmt.Sprintf("p:%s:exec:%s:%s:%s", projectID, typ, status, t.UTC().Format("20060102"))
}

func effectsKey(projectID, group string) string {
	return fmt.Sprintf("p:%s:effects:%s", projectID, group)
}
