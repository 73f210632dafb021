package planner

import (
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
)

type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ProjectID    string `yaml:"project_id"`
	TotalCost    string `yaml:"total_cost"`
	Installments int    `yaml:"installments"`
	Schedule     string `yaml:"schedule"`
	Timezone     string `yaml:"timezone"`
	StartAt      string `yaml:"start_at"`
	EffectPrompt string `yaml:"effect_prompt"`
}

// LoadPlans reads a YAML plan file:
//
//	plans:
//	  - project_id: 6f1c2a9e-...
//	    total_cost: "1250.50"
//	    installments: 3
//	    schedule: "0 9 1 * *"
//	    timezone: America/Sao_Paulo
//	    start_at: 2026-03-01T00:00:00Z
//	    effect_prompt: Build a hospital in the capital.
func LoadPlans(path string) ([]domain.ProjectPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open plan file")
	}
	defer f.Close()
	return ParsePlans(f)
}

func ParsePlans(r io.Reader) ([]domain.ProjectPlan, error) {
	var file planFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "decode plan file")
	}

	plans := make([]domain.ProjectPlan, 0, len(file.Plans))
	for i, e := range file.Plans {
		plan, err := e.toPlan()
		if err != nil {
			return nil, errors.Wrapf(err, "plan %d", i)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (e planEntry) toPlan() (domain.ProjectPlan, error) {
	projectID, err := uuid.Parse(e.ProjectID)
	if err != nil {
		return domain.ProjectPlan{}, errors.Mark(errors.Wrap(err, "project_id"), domain.ErrInvalidPlan)
	}
	cost := decimal.Zero
	if e.TotalCost != "" {
		cost, err = decimal.NewFromString(e.TotalCost)
		if err != nil {
			return domain.ProjectPlan{}, errors.Mark(errors.Wrap(err, "total_cost"), domain.ErrInvalidPlan)
		}
	}
	var startAt time.Time
	if e.StartAt != "" {
		startAt, err = time.Parse(time.RFC3339, e.StartAt)
		if err != nil {
			return domain.ProjectPlan{}, errors.Mark(errors.Wrap(err, "start_at"), domain.ErrInvalidPlan)
		}
	}

	plan := domain.ProjectPlan{
		ProjectID:    projectID,
		TotalCost:    cost,
		Installments: e.Installments,
		Schedule:     e.Schedule,
		Timezone:     e.Timezone,
		StartAt:      startAt,
		EffectPrompt: e.EffectPrompt,
	}
	return plan, plan.Validate()
}
