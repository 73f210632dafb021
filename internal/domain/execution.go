package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrTerminalState is returned when a transition is attempted on a record
	// that is already executed or failed.
	ErrTerminalState = errors.New("execution record already in terminal state")

	// ErrAlreadyClaimed is returned when a record is claimed by another owner.
	ErrAlreadyClaimed = errors.New("execution record already claimed")

	ErrInvalidRecord = errors.New("invalid execution record")

	ErrNotFound = errors.New("execution record not found")
)

type ExecutionType string

const (
	ExecutionTypePayment    ExecutionType = "payment"
	ExecutionTypeEffect     ExecutionType = "effect"
	ExecutionTypeCompletion ExecutionType = "completion"
)

func (t ExecutionType) Valid() bool {
	switch t {
	case ExecutionTypePayment, ExecutionTypeEffect, ExecutionTypeCompletion:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "pending"
	ExecutionStatusExecuted ExecutionStatus = "executed"
	ExecutionStatusFailed   ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusExecuted || s == ExecutionStatusFailed
}

func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStatusPending || s.IsTerminal()
}

// PaymentDetails holds the payment-specific fields of a record.
// InstallmentNumber and TotalInstallments are both zero when the payment
// is not part of an installment plan.
type PaymentDetails struct {
	Amount            decimal.Decimal
	InstallmentNumber int
	TotalInstallments int
}

// HasInstallment reports whether the payment is part of an installment plan.
func (p PaymentDetails) HasInstallment() bool {
	return p.InstallmentNumber != 0 || p.TotalInstallments != 0
}

func (p PaymentDetails) validate() error {
	if p.Amount.IsNegative() {
		return errors.Wrapf(ErrInvalidRecord, "payment amount %s is negative", p.Amount)
	}
	if (p.InstallmentNumber == 0) != (p.TotalInstallments == 0) {
		return errors.Wrap(ErrInvalidRecord, "installment number and total installments must be set together")
	}
	if p.HasInstallment() && (p.InstallmentNumber < 1 || p.InstallmentNumber > p.TotalInstallments) {
		return errors.Wrapf(ErrInvalidRecord, "installment %d outside 1..%d", p.InstallmentNumber, p.TotalInstallments)
	}
	return nil
}

// ExecutionRecord is a single scheduled, time-triggered unit of work tied to a project.
// The terminal record is the audit trail; records are never deleted.
type ExecutionRecord struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Type      ExecutionType

	ScheduledFor time.Time
	ExecutedAt   *time.Time

	Payment *PaymentDetails // payment only
	Effects *EffectPayload  // effect only, set on success
	Prompt  string          // effect generation context, optional

	Status       ExecutionStatus
	ErrorMessage string

	// ClaimedBy marks the record as in flight; cleared when the record is
	// saved in a terminal state or the claim is released.
	ClaimedBy string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPaymentRecord builds a pending payment record. installment and total
// are both zero for a one-off payment.
func NewPaymentRecord(projectID uuid.UUID, scheduledFor time.Time, amount decimal.Decimal, installment, total int) (ExecutionRecord, error) {
	rec := newRecord(projectID, ExecutionTypePayment, scheduledFor)
	rec.Payment = &PaymentDetails{
		Amount:            amount,
		InstallmentNumber: installment,
		TotalInstallments: total,
	}
	return rec, rec.Validate()
}

func NewEffectRecord(projectID uuid.UUID, scheduledFor time.Time, prompt string) (ExecutionRecord, error) {
	rec := newRecord(projectID, ExecutionTypeEffect, scheduledFor)
	rec.Prompt = prompt
	return rec, rec.Validate()
}

func NewCompletionRecord(projectID uuid.UUID, scheduledFor time.Time) (ExecutionRecord, error) {
	rec := newRecord(projectID, ExecutionTypeCompletion, scheduledFor)
	return rec, rec.Validate()
}

func newRecord(projectID uuid.UUID, typ ExecutionType, scheduledFor time.Time) ExecutionRecord {
	now := time.Now().UTC()
	return ExecutionRecord{
		ID:           uuid.New(),
		ProjectID:    projectID,
		Type:         typ,
		ScheduledFor: scheduledFor.UTC(),
		Status:       ExecutionStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsDue reports whether the record is pending and its scheduled time has passed.
func (r *ExecutionRecord) IsDue(now time.Time) bool {
	return r.Status == ExecutionStatusPending && !r.ScheduledFor.After(now)
}

func (r *ExecutionRecord) IsClaimed() bool {
	return r.ClaimedBy != ""
}

// Claim marks the record as in flight for owner.
func (r *ExecutionRecord) Claim(owner string, at time.Time) error {
	if r.Status.IsTerminal() {
		return ErrTerminalState
	}
	if r.ClaimedBy != "" && r.ClaimedBy != owner {
		return errors.Wrapf(ErrAlreadyClaimed, "claimed by %s", r.ClaimedBy)
	}
	at = at.UTC()
	r.ClaimedBy = owner
	r.ClaimedAt = &at
	return nil
}

func (r *ExecutionRecord) ReleaseClaim() {
	r.ClaimedBy = ""
	r.ClaimedAt = nil
}

// MarkExecuted transitions a pending record to executed. Effect records
// must supply their generated payload; other types must not.
func (r *ExecutionRecord) MarkExecuted(at time.Time, effects *EffectPayload) error {
	if r.Status.IsTerminal() {
		return ErrTerminalState
	}
	switch {
	case r.Type == ExecutionTypeEffect && effects == nil:
		return errors.Wrap(ErrInvalidRecord, "effect record executed without payload")
	case r.Type != ExecutionTypeEffect && effects != nil:
		return errors.Wrapf(ErrInvalidRecord, "%s record cannot carry effects", r.Type)
	}
	if effects != nil {
		if err := effects.Validate(); err != nil {
			return err
		}
	}

	at = at.UTC()
	r.Status = ExecutionStatusExecuted
	r.ExecutedAt = &at
	r.Effects = effects
	r.ErrorMessage = ""
	r.UpdatedAt = at
	return nil
}

// MarkFailed transitions a pending record to failed. Any effect payload is
// dropped so a failed record never carries partial data.
func (r *ExecutionRecord) MarkFailed(at time.Time, message string) error {
	if r.Status.IsTerminal() {
		return ErrTerminalState
	}
	if message == "" {
		message = "execution failed"
	}

	at = at.UTC()
	r.Status = ExecutionStatusFailed
	r.ExecutedAt = &at
	r.Effects = nil
	r.ErrorMessage = message
	r.UpdatedAt = at
	return nil
}

// Validate checks the record's structural invariants.
func (r *ExecutionRecord) Validate() error {
	if r.ID == uuid.Nil {
		return errors.Wrap(ErrInvalidRecord, "missing id")
	}
	if r.ProjectID == uuid.Nil {
		return errors.Wrap(ErrInvalidRecord, "missing project id")
	}
	if !r.Type.Valid() {
		return errors.Wrapf(ErrInvalidRecord, "unknown execution type %q", r.Type)
	}
	if !r.Status.Valid() {
		return errors.Wrapf(ErrInvalidRecord, "unknown status %q", r.Status)
	}
	if r.ScheduledFor.IsZero() {
		return errors.Wrap(ErrInvalidRecord, "missing scheduled time")
	}

	if (r.ExecutedAt != nil) != r.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidRecord, "executed_at inconsistent with status %s", r.Status)
	}
	if r.ErrorMessage != "" && r.Status != ExecutionStatusFailed {
		return errors.Wrap(ErrInvalidRecord, "error message set on non-failed record")
	}

	switch r.Type {
	case ExecutionTypePayment:
		if r.Payment == nil {
			return errors.Wrap(ErrInvalidRecord, "payment record without payment details")
		}
		if err := r.Payment.validate(); err != nil {
			return err
		}
	default:
		if r.Payment != nil {
			return errors.Wrapf(ErrInvalidRecord, "%s record cannot carry payment details", r.Type)
		}
	}

	if r.Effects != nil {
		if r.Type != ExecutionTypeEffect {
			return errors.Wrapf(ErrInvalidRecord, "%s record cannot carry effects", r.Type)
		}
		if r.Status != ExecutionStatusExecuted {
			return errors.Wrapf(ErrInvalidRecord, "effects present on %s record", r.Status)
		}
		if err := r.Effects.Validate(); err != nil {
			return err
		}
	}
	return nil
}
