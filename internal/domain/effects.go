package domain

import (
	"database/sql/driver"
	"encoding/json"
	"math"

	"github.com/cockroachdb/errors"
)

// Effects maps an indicator name to its numeric delta.
type Effects map[string]float64

func (e Effects) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func (e *Effects) Scan(value any) error {
	if value == nil {
		*e = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Newf("effects: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, e)
}

// Sum returns the total of all deltas.
func (e Effects) Sum() float64 {
	var total float64
	for _, v := range e {
		total += v
	}
	return total
}

// EffectPayload is the structured output of an effect generation.
type EffectPayload struct {
	Economic Effects `json:"economicEffects"`
	Social   Effects `json:"socialEffects"`
}

// Validate rejects payloads with missing maps, empty keys, or non-finite values.
func (p *EffectPayload) Validate() error {
	if p.Economic == nil || p.Social == nil {
		return errors.Wrap(ErrInvalidRecord, "effect payload requires economic and social effects")
	}
	for _, m := range []Effects{p.Economic, p.Social} {
		for k, v := range m {
			if k == "" {
				return errors.Wrap(ErrInvalidRecord, "effect with empty name")
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Wrapf(ErrInvalidRecord, "effect %q is not finite", k)
			}
		}
	}
	return nil
}

// EffectPayloadFromMap converts a schema-validated generation result.
func EffectPayloadFromMap(obj map[string]any) (*EffectPayload, error) {
	economic, err := effectsFromAny(obj["economicEffects"])
	if err != nil {
		return nil, errors.Wrap(err, "economicEffects")
	}
	social, err := effectsFromAny(obj["socialEffects"])
	if err != nil {
		return nil, errors.Wrap(err, "socialEffects")
	}
	p := &EffectPayload{Economic: economic, Social: social}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func effectsFromAny(v any) (Effects, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidRecord, "expected object, got %T", v)
	}
	out := make(Effects, len(m))
	for k, raw := range m {
		switch n := raw.(type) {
		case float64:
			out[k] = n
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidRecord, "effect %q: %v", k, err)
			}
			out[k] = f
		case int:
			out[k] = float64(n)
		default:
			return nil, errors.Wrapf(ErrInvalidRecord, "effect %q: expected number, got %T", k, raw)
		}
	}
	return out, nil
}
