// Package planner expands project plans into pending execution records.
package planner

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/cron"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

// recordNamespace seeds the name-based record IDs, so planning the same
// project twice yields the same IDs and the store skips the duplicates.
var recordNamespace = uuid.MustParse("3b0c6a52-7f0e-5d0b-9b8e-4f1c6e2d9a11")

type Planner struct {
	parser *cron.Parser
	clock  func() time.Time
}

func New() *Planner {
	return &Planner{parser: cron.NewParser(), clock: time.Now}
}

func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.clock = clock
	return p
}

// Plan returns, in schedule order, one payment and one effect record per
// installment, plus a completion record one schedule step after the last
// installment. Installment amounts are the total divided evenly and
// rounded down to cents; the last installment takes the remainder.
func (p *Planner) Plan(plan domain.ProjectPlan) ([]domain.ExecutionRecord, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	sched, err := p.parser.Parse(plan.Schedule, plan.Timezone)
	if err != nil {
		return nil, errors.Mark(err, domain.ErrInvalidPlan)
	}

	n := plan.Installments
	// An activation exactly at StartAt counts.
	times := cron.Occurrences(sched, plan.StartAt.Add(-time.Second), n+1)
	if len(times) < n+1 {
		return nil, errors.Wrapf(domain.ErrInvalidPlan, "schedule %q yields only %d activations", plan.Schedule, len(times))
	}

	amounts := SplitAmount(plan.TotalCost, n)
	now := p.clock().UTC()
	recs := make([]domain.ExecutionRecord, 0, 2*n+1)

	for i := 0; i < n; i++ {
		k := i + 1
		pay, err := domain.NewPaymentRecord(plan.ProjectID, times[i], amounts[i], k, n)
		if err != nil {
			return nil, err
		}
		effect, err := domain.NewEffectRecord(plan.ProjectID, times[i], plan.EffectPrompt)
		if err != nil {
			return nil, err
		}
		recs = append(recs, stamp(pay, k, now), stamp(effect, k, now))
	}

	done, err := domain.NewCompletionRecord(plan.ProjectID, times[n])
	if err != nil {
		return nil, err
	}
	recs = append(recs, stamp(done, 1, now))
	return recs, nil
}

// SplitAmount divides total into n non-negative parts that sum exactly to
// total. All parts but the last are total/n truncated to two decimals.
func SplitAmount(total decimal.Decimal, n int) []decimal.Decimal {
	if n < 1 {
		return nil
	}
	count := decimal.NewFromInt(int64(n))
	part := total.DivRound(count, 8).Truncate(2)

	out := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		out[i] = part
	}
	out[n-1] = total.Sub(part.Mul(decimal.NewFromInt(int64(n - 1))))
	return out
}

// RecordID is the deterministic ID of the seq-th record of the given type
// in a project's plan.
func RecordID(projectID uuid.UUID, typ domain.ExecutionType, seq int) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(projectID.String()+"/"+string(typ)+"/"+strconv.Itoa(seq)))
}

func stamp(rec domain.ExecutionRecord, seq int, now time.Time) domain.ExecutionRecord {
	rec.ID = RecordID(rec.ProjectID, rec.Type, seq)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec
}
