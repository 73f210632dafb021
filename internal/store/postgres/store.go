// Package postgres stores execution records in PostgreSQL.
//
// Every state-changing statement carries its guard in the WHERE clause, so
// concurrent workers are serialized by the row lock Postgres takes before
// evaluating it.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements driver.Store and driver.Selector using PostgreSQL.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded migrations in file name order. Every
// statement is idempotent, so Migrate can run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, "list migrations")
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return errors.Wrapf(err, "apply %s", name)
		}
	}
	return nil
}

// ProbeClaimColumns fails when the claim columns are missing, i.e. the
// schema predates claim support.
func (s *Store) ProbeClaimColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, queryProbeClaimColumns)
	if err != nil {
		return errors.WithHint(errors.Wrap(err, "probe claim columns"), "run `execengine migrate`")
	}
	return rows.Close()
}

// InsertRecords inserts pending records in one transaction. Records whose
// ID already exists are skipped. It returns the number inserted.
func (s *Store) InsertRecords(ctx context.Context, recs []domain.ExecutionRecord) (int, error) {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return 0, errors.Wrapf(err, "record %s", recs[i].ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, rec := range recs {
		var (
			amount             decimal.NullDecimal
			installment, total sql.NullInt64
		)
		if rec.Payment != nil {
			amount = decimal.NewNullDecimal(rec.Payment.Amount)
			if rec.Payment.HasInstallment() {
				installment = sql.NullInt64{Int64: int64(rec.Payment.InstallmentNumber), Valid: true}
				total = sql.NullInt64{Int64: int64(rec.Payment.TotalInstallments), Valid: true}
			}
		}

		res, err := tx.ExecContext(ctx, queryInsertRecord,
			rec.ID,
			rec.ProjectID,
			string(rec.Type),
			rec.ScheduledFor.UTC(),
			amount,
			installment,
			total,
			rec.Prompt,
			string(rec.Status),
			rec.CreatedAt,
			rec.UpdatedAt,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "insert record %s", rec.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LoadDueRecords returns pending, unclaimed records scheduled at or before
// now, oldest first.
func (s *Store) LoadDueRecords(ctx context.Context, now time.Time, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadDueRecords, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ClaimRecord marks a pending, unclaimed record as owned by owner.
// Returns domain.ErrAlreadyClaimed if another worker got there first or
// the record is terminal, domain.ErrNotFound if it does not exist.
func (s *Store) ClaimRecord(ctx context.Context, id uuid.UUID, owner string, now time.Time) (domain.ExecutionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, queryClaimRecord, id, owner, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.checkExists(ctx, id); err != nil {
			return domain.ExecutionRecord{}, err
		}
		return domain.ExecutionRecord{}, errors.Wrapf(domain.ErrAlreadyClaimed, "record %s", id)
	}
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	return rec, nil
}

// ReleaseClaim clears owner's claim. A record that is terminal or claimed
// by someone else is left alone.
func (s *Store) ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.db.ExecContext(ctx, queryReleaseClaim, id, owner)
	return err
}

// SaveRecord writes the outcome of rec and clears its claim.
// Returns driver.ErrStatusTransitionDenied if the stored row is no longer
// pending or no longer claimed by rec.ClaimedBy.
func (s *Store) SaveRecord(ctx context.Context, rec domain.ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	var economic, social any
	if rec.Effects != nil {
		economic, social = rec.Effects.Economic, rec.Effects.Social
	}
	var errMsg sql.NullString
	if rec.ErrorMessage != "" {
		errMsg = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}
	var claimedBy sql.NullString
	if rec.ClaimedBy != "" {
		claimedBy = sql.NullString{String: rec.ClaimedBy, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, querySaveRecord,
		rec.ID,
		string(rec.Status),
		rec.ExecutedAt,
		economic,
		social,
		errMsg,
		rec.UpdatedAt.UTC(),
		claimedBy,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// Either missing, or the guard rejected the update.
		if err := s.checkExists(ctx, rec.ID); err != nil {
			return err
		}
		return driver.ErrStatusTransitionDenied
	}
	return nil
}

// RequeueStaleClaims releases claims on pending records claimed before
// olderThan, oldest first, at most limit rows. Rows locked by a concurrent
// transaction are skipped.
func (s *Store) RequeueStaleClaims(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueStaleClaims, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, queryGetRecord, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListProjectRecords(ctx context.Context, projectID uuid.UUID) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListProjectRecords, projectID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *Store) checkExists(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, queryGetRecordStatus, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.ExecutionRecord, error) {
	var (
		rec                domain.ExecutionRecord
		typ, status        string
		amount             decimal.NullDecimal
		installment, total sql.NullInt64
		economic, social   domain.Effects
		errMsg, claimedBy  sql.NullString
		executedAt         pq.NullTime
		claimedAt          pq.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&typ,
		&rec.ScheduledFor,
		&executedAt,
		&amount,
		&installment,
		&total,
		&rec.Prompt,
		&economic,
		&social,
		&status,
		&errMsg,
		&claimedBy,
		&claimedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}

	rec.Type = domain.ExecutionType(typ)
	rec.Status = domain.ExecutionStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.ClaimedBy = claimedBy.String
	rec.ScheduledFor = rec.ScheduledFor.UTC()
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		rec.ExecutedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		rec.ClaimedAt = &t
	}
	if rec.Type == domain.ExecutionTypePayment {
		rec.Payment = &domain.PaymentDetails{
			Amount:            amount.Decimal,
			InstallmentNumber: int(installment.Int64),
			TotalInstallments: int(total.Int64),
		}
	}
	if economic != nil || social != nil {
		rec.Effects = &domain.EffectPayload{Economic: economic, Social: social}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()

	var result []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Compile-time interface assertions
var (
	_ driver.Store    = (*Store)(nil)
	_ driver.Selector = (*Store)(nil)
)
