package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProjectPlan describes the execution schedule of one project: its cost
// paid in installments on a recurring schedule, a generated effect per
// installment, and a completion once the last installment is due.
type ProjectPlan struct {
	ProjectID    uuid.UUID
	TotalCost    decimal.Decimal
	Installments int
	// Schedule is a cron expression or descriptor, e.g. "0 9 1 * *" or "@every 720h".
	Schedule string
	Timezone string
	// StartAt is the earliest time the first installment may be scheduled.
	StartAt      time.Time
	EffectPrompt string
}

var ErrInvalidPlan = errors.New("invalid project plan")

func (p ProjectPlan) Validate() error {
	if p.ProjectID == uuid.Nil {
		return errors.Wrap(ErrInvalidPlan, "missing project id")
	}
	if p.TotalCost.IsNegative() {
		return errors.Wrapf(ErrInvalidPlan, "total cost %s is negative", p.TotalCost)
	}
	if p.Installments < 1 {
		return errors.Wrapf(ErrInvalidPlan, "installments must be at least 1, got %d", p.Installments)
	}
	if p.Schedule == "" {
		return errors.Wrap(ErrInvalidPlan, "missing schedule")
	}
	if p.StartAt.IsZero() {
		return errors.Wrap(ErrInvalidPlan, "missing start time")
	}
	return nil
}
