package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/store/memory"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/testutil"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/transport/channel"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type mockMetricsSink struct {
	mu        sync.Mutex
	ticks     int
	claimed   []int
	conflicts int
	errs      int
}

func (m *mockMetricsSink) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *mockMetricsSink) TickCompleted(_ time.Duration, recordsClaimed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed = append(m.claimed, recordsClaimed)
	if err != nil {
		m.errs++
	}
}

func (m *mockMetricsSink) TickDrift(time.Duration) {}

func (m *mockMetricsSink) ClaimConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *mockMetricsSink) ExecutionLatencyObserve(float64) {}

func seed(t *testing.T, store *memory.Store, n int, at time.Time) []domain.ExecutionRecord {
	t.Helper()
	recs := make([]domain.ExecutionRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := domain.NewCompletionRecord(uuid.New(), at.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	_, err := store.InsertRecords(context.Background(), recs)
	require.NoError(t, err)
	return recs
}

func newTestPoller(store Store, emitter EventEmitter, clock *testutil.FakeClock) *Poller {
	return New(Config{TickInterval: time.Second, BatchSize: 10, Owner: "worker-1"}, store, emitter).
		WithClock(clock.Now)
}

func TestProcessTick_ClaimsAndEmitsDueRecords(t *testing.T) {
	store := memory.New()
	seed(t, store, 3, t0.Add(-time.Minute))
	future := seed(t, store, 1, t0.Add(time.Hour))

	bus := channel.NewEventBus(10)
	clock := testutil.NewFakeClock(t0)
	metrics := &mockMetricsSink{}
	p := newTestPoller(store, bus, clock).WithMetrics(metrics)

	n, err := p.processTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, bus.Len())

	for i := 0; i < 3; i++ {
		rec := <-bus.Channel()
		assert.Equal(t, "worker-1", rec.ClaimedBy)
		stored, err := store.GetRecord(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsClaimed())
	}

	stored, _ := store.GetRecord(context.Background(), future[0].ID)
	assert.False(t, stored.IsClaimed())
	assert.Equal(t, []int{3}, metrics.claimed)
}

func TestProcessTick_ClaimedRecordsNotReselected(t *testing.T) {
	store := memory.New()
	seed(t, store, 2, t0.Add(-time.Minute))
	bus := channel.NewEventBus(10)
	clock := testutil.NewFakeClock(t0)
	p := newTestPoller(store, bus, clock)

	n, err := p.processTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(time.Second)
	n, err = p.processTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, bus.Len())
}

func TestProcessTick_BufferFullReleasesClaim(t *testing.T) {
	store := memory.New()
	recs := seed(t, store, 3, t0.Add(-time.Minute))
	bus := channel.NewEventBus(1)
	clock := testutil.NewFakeClock(t0)
	p := newTestPoller(store, bus, clock)

	n, err := p.processTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed := 0
	for _, rec := range recs {
		stored, err := store.GetRecord(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionStatusPending, stored.Status)
		if stored.IsClaimed() {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed, "only the emitted record keeps its claim")

	<-bus.Channel()
	n, err = p.processTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "released record is selected again")
}

type conflictStore struct {
	*memory.Store
}

func (s conflictStore) ClaimRecord(context.Context, uuid.UUID, string, time.Time) (domain.ExecutionRecord, error) {
	return domain.ExecutionRecord{}, errors.Wrap(domain.ErrAlreadyClaimed, "lost race")
}

func TestProcessTick_ClaimConflictIsCounted(t *testing.T) {
	store := memory.New()
	seed(t, store, 2, t0.Add(-time.Minute))
	bus := channel.NewEventBus(10)
	metrics := &mockMetricsSink{}
	p := newTestPoller(conflictStore{store}, bus, testutil.NewFakeClock(t0)).WithMetrics(metrics)

	n, err := p.processTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, metrics.conflicts)
	assert.Zero(t, bus.Len())
}

type failingStore struct {
	*memory.Store
}

func (failingStore) LoadDueRecords(context.Context, time.Time, int) ([]domain.ExecutionRecord, error) {
	return nil, errors.New("connection refused")
}

func TestProcessTick_StoreError(t *testing.T) {
	metrics := &mockMetricsSink{}
	p := newTestPoller(failingStore{memory.New()}, channel.NewEventBus(1), testutil.NewFakeClock(t0)).WithMetrics(metrics)

	_, err := p.processTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load due records")
	assert.Equal(t, 1, metrics.errs)
}

func TestProcessTick_RespectsBatchSize(t *testing.T) {
	store := memory.New()
	seed(t, store, 5, t0.Add(-time.Minute))
	bus := channel.NewEventBus(10)
	p := New(Config{TickInterval: time.Second, BatchSize: 2, Owner: "w"}, store, bus).
		WithClock(testutil.NewFakeClock(t0).Now)

	n, err := p.processTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := memory.New()
	seed(t, store, 1, time.Now().Add(-time.Minute))
	bus := channel.NewEventBus(10)
	p := New(Config{TickInterval: 10 * time.Millisecond, Owner: "w"}, store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case rec := <-bus.Channel():
		assert.Equal(t, "w", rec.ClaimedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("no record emitted")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
