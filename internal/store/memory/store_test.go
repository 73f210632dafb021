package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, recs ...domain.ExecutionRecord) {
	t.Helper()
	n, err := s.InsertRecords(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, len(recs), n)
}

func completion(t *testing.T, at time.Time) domain.ExecutionRecord {
	t.Helper()
	rec, err := domain.NewCompletionRecord(uuid.New(), at)
	require.NoError(t, err)
	return rec
}

func TestInsertRecords_IgnoresDuplicates(t *testing.T) {
	s := New()
	rec := completion(t, t0)
	seed(t, s, rec)

	n, err := s.InsertRecords(context.Background(), []domain.ExecutionRecord{rec})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertRecords_RejectsInvalid(t *testing.T) {
	rec := completion(t, t0)
	rec.Status = "unknown"
	_, err := New().InsertRecords(context.Background(), []domain.ExecutionRecord{rec})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)
}

func TestLoadDueRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	late := completion(t, t0.Add(time.Hour))
	early := completion(t, t0.Add(-time.Hour))
	onTime := completion(t, t0)
	future := completion(t, t0.Add(2*time.Hour))
	seed(t, s, late, early, onTime, future)

	due, err := s.LoadDueRecords(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []uuid.UUID{early.ID, onTime.ID, late.ID}, []uuid.UUID{due[0].ID, due[1].ID, due[2].ID})

	due, err = s.LoadDueRecords(ctx, t0.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = s.ClaimRecord(ctx, early.ID, "w1", t0)
	require.NoError(t, err)
	due, err = s.LoadDueRecords(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2, "claimed records are not due")
}

func TestClaimRecord_OnlyOneWinner(t *testing.T) {
	s := New()
	rec := completion(t, t0)
	seed(t, s, rec)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimRecord(context.Background(), rec.ID, uuid.NewString(), t0)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, wins)
}

func TestClaimRecord_NotFound(t *testing.T) {
	_, err := New().ClaimRecord(context.Background(), uuid.New(), "w1", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveRecord_Guards(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := completion(t, t0)
	seed(t, s, rec)

	claimed, err := s.ClaimRecord(ctx, rec.ID, "w1", t0)
	require.NoError(t, err)

	t.Run("wrong owner denied", func(t *testing.T) {
		other := claimed
		other.ClaimedBy = "w2"
		require.NoError(t, other.MarkExecuted(t0, nil))
		assert.ErrorIs(t, s.SaveRecord(ctx, other), driver.ErrStatusTransitionDenied)
	})

	require.NoError(t, claimed.MarkExecuted(t0, nil))
	require.NoError(t, s.SaveRecord(ctx, claimed))

	stored, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusExecuted, stored.Status)
	assert.False(t, stored.IsClaimed())

	t.Run("terminal denied", func(t *testing.T) {
		assert.ErrorIs(t, s.SaveRecord(ctx, claimed), driver.ErrStatusTransitionDenied)
	})
}

func TestReleaseClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := completion(t, t0)
	seed(t, s, rec)

	_, err := s.ClaimRecord(ctx, rec.ID, "w1", t0)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseClaim(ctx, rec.ID, "w2"))
	stored, _ := s.GetRecord(ctx, rec.ID)
	assert.Equal(t, "w1", stored.ClaimedBy, "only the owner can release")

	require.NoError(t, s.ReleaseClaim(ctx, rec.ID, "w1"))
	stored, _ = s.GetRecord(ctx, rec.ID)
	assert.False(t, stored.IsClaimed())
}

func TestRequeueStaleClaims(t *testing.T) {
	s := New()
	ctx := context.Background()
	stale := completion(t, t0)
	fresh := completion(t, t0)
	seed(t, s, stale, fresh)

	_, err := s.ClaimRecord(ctx, stale.ID, "crashed", t0)
	require.NoError(t, err)
	_, err = s.ClaimRecord(ctx, fresh.ID, "alive", t0.Add(10*time.Minute))
	require.NoError(t, err)

	n, err := s.RequeueStaleClaims(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetRecord(ctx, stale.ID)
	assert.False(t, got.IsClaimed())
	got, _ = s.GetRecord(ctx, fresh.ID)
	assert.True(t, got.IsClaimed())
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	pay, err := domain.NewPaymentRecord(uuid.New(), t0, decimal.NewFromInt(100), 1, 2)
	require.NoError(t, err)
	seed(t, s, pay)

	got, _ := s.GetRecord(ctx, pay.ID)
	got.Payment.Amount = decimal.NewFromInt(1)

	again, _ := s.GetRecord(ctx, pay.ID)
	assert.True(t, again.Payment.Amount.Equal(decimal.NewFromInt(100)))
}

func TestListProjectRecords(t *testing.T) {
	s := New()
	project := uuid.New()
	a, _ := domain.NewCompletionRecord(project, t0.Add(time.Hour))
	b, _ := domain.NewEffectRecord(project, t0, "dam")
	seed(t, s, a, b, completion(t, t0))

	recs, err := s.ListProjectRecords(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, b.ID, recs[0].ID)
}
