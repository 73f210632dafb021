package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

func TestOutcomeKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	key := outcomeKey("p1", domain.ExecutionTypePayment, domain.ExecutionStatusExecuted, at)
	assert.Equal(t, "p:p1:exec:payment:executed:20260302", key)
}

func TestEffectsKey(t *testing.T) {
	assert.Equal(t, "p:p1:effects:social", effectsKey("p1", "social"))
}

func TestWrite_PendingRecordIsIgnored(t *testing.T) {
	rec, err := domain.NewCompletionRecord(uuid.New(), time.Now())
	require.NoError(t, err)

	// A nil client would panic if touched.
	s := NewRedisSink(nil)
	assert.NoError(t, s.Write(context.Background(), rec))
}

func TestRecord_UnreachableRedisDoesNotPanic(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	rec, err := domain.NewEffectRecord(uuid.New(), time.Now(), "")
	require.NoError(t, err)
	require.NoError(t, rec.MarkExecuted(time.Now(), &domain.EffectPayload{
		Economic: domain.Effects{"gdp": 0.5},
		Social:   domain.Effects{"approval": -1},
	}))

	s := NewRedisSink(client)
	assert.Error(t, s.Write(context.Background(), rec))
	assert.NotPanics(t, func() { s.Record(context.Background(), rec) })
}
