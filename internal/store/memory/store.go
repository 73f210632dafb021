// Package memory is an in-process record store with the same claim and
// save guards as the Postgres store. It backs single-process deployments
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
)

type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.ExecutionRecord
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[uuid.UUID]domain.ExecutionRecord),
		now:     time.Now,
	}
}

// InsertRecords adds pending records. Records whose ID already exists are
// ignored. It returns the number inserted.
func (s *Store) InsertRecords(_ context.Context, recs []domain.ExecutionRecord) (int, error) {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return 0, errors.Wrapf(err, "record %s", recs[i].ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, rec := range recs {
		if _, ok := s.records[rec.ID]; ok {
			continue
		}
		s.records[rec.ID] = clone(rec)
		inserted++
	}
	return inserted, nil
}

// LoadDueRecords returns pending, unclaimed records scheduled at or before
// now, oldest first.
func (s *Store) LoadDueRecords(_ context.Context, now time.Time, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.ExecutionRecord
	for _, rec := range s.records {
		if rec.IsDue(now) && !rec.IsClaimed() {
			due = append(due, clone(rec))
		}
	}
	sortBySchedule(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ClaimRecord(_ context.Context, id uuid.UUID, owner string, now time.Time) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if rec.Status.IsTerminal() || rec.IsClaimed() {
		return domain.ExecutionRecord{}, errors.Wrapf(domain.ErrAlreadyClaimed, "record %s", id)
	}
	if err := rec.Claim(owner, now); err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.UpdatedAt = now.UTC()
	s.records[id] = rec
	return clone(rec), nil
}

func (s *Store) ReleaseClaim(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != domain.ExecutionStatusPending || rec.ClaimedBy != owner {
		return nil
	}
	rec.ReleaseClaim()
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

// SaveRecord stores rec if the stored copy is still pending and claimed by
// rec.ClaimedBy. The saved copy has its claim cleared.
func (s *Store) SaveRecord(_ context.Context, rec domain.ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != domain.ExecutionStatusPending || cur.ClaimedBy != rec.ClaimedBy {
		return driver.ErrStatusTransitionDenied
	}
	rec.ReleaseClaim()
	s.records[rec.ID] = clone(rec)
	return nil
}

// RequeueStaleClaims releases claims on pending records claimed before
// olderThan. It returns the number released.
func (s *Store) RequeueStaleClaims(_ context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.ExecutionRecord
	for _, rec := range s.records {
		if rec.Status == domain.ExecutionStatusPending && rec.ClaimedAt != nil && rec.ClaimedAt.Before(olderThan) {
			stale = append(stale, rec)
		}
	}
	sortBySchedule(stale)
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	for _, rec := range stale {
		rec.ReleaseClaim()
		rec.UpdatedAt = s.now().UTC()
		s.records[rec.ID] = rec
	}
	return len(stale), nil
}

func (s *Store) GetRecord(_ context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) ListProjectRecords(_ context.Context, projectID uuid.UUID) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ExecutionRecord
	for _, rec := range s.records {
		if rec.ProjectID == projectID {
			out = append(out, clone(rec))
		}
	}
	sortBySchedule(out)
	return out, nil
}

func sortBySchedule(recs []domain.ExecutionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ScheduledFor.Equal(recs[j].ScheduledFor) {
			return recs[i].ID.String() < recs[j].ID.String()
		}
		return recs[i].ScheduledFor.Before(recs[j].ScheduledFor)
	})
}

// clone deep-copies the pointer fields so callers cannot mutate stored state.
func clone(rec domain.ExecutionRecord) domain.ExecutionRecord {
	if rec.ExecutedAt != nil {
		t := *rec.ExecutedAt
		rec.ExecutedAt = &t
	}
	if rec.ClaimedAt != nil {
		t := *rec.ClaimedAt
		rec.ClaimedAt = &t
	}
	if rec.Payment != nil {
		p := *rec.Payment
		rec.Payment = &p
	}
	if rec.Effects != nil {
		e := domain.EffectPayload{
			Economic: make(domain.Effects, len(rec.Effects.Economic)),
			Social:   make(domain.Effects, len(rec.Effects.Social)),
		}
		for k, v := range rec.Effects.Economic {
			e.Economic[k] = v
		}
		for k, v := range rec.Effects.Social {
			e.Social[k] = v
		}
		rec.Effects = &e
	}
	return rec
}

var (
	_ driver.Store    = (*Store)(nil)
	_ driver.Selector = (*Store)(nil)
)
