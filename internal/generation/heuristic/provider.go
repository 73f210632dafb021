// Package heuristic is an offline generation backend. It derives bounded,
// deterministic effects from a hash of the prompt so simulations can run
// without a language model. It produces structured output only.
package heuristic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
)

const (
	Name    = "heuristic"
	version = "1"
)

var (
	DefaultEconomic = []string{"gdp", "unemployment", "inflation", "treasury"}
	DefaultSocial   = []string{"approval", "health", "education", "stability"}
)

type Config struct {
	Enabled  bool
	Economic []string
	Social   []string
	// MaxMagnitude bounds every generated delta to [-MaxMagnitude, MaxMagnitude].
	MaxMagnitude float64
}

// Provider embeds generation.Base, so Generate reports ErrNotImplemented.
type Provider struct {
	generation.Base
	cfg Config
}

func New(cfg Config) *Provider {
	if len(cfg.Economic) == 0 {
		cfg.Economic = DefaultEconomic
	}
	if len(cfg.Social) == 0 {
		cfg.Social = DefaultSocial
	}
	if cfg.MaxMagnitude <= 0 {
		cfg.MaxMagnitude = 5
	}
	return &Provider{
		Base: generation.Base{Name: Name, Version: version},
		cfg:  cfg,
	}
}

func (p *Provider) IsAvailable(context.Context) bool { return p.cfg.Enabled }

func (p *Provider) Describe() generation.Descriptor {
	return generation.Descriptor{Name: Name, Version: version, Structured: true}
}

func (p *Provider) GenerateStructured(ctx context.Context, prompt string, schema *generation.Schema, _ generation.Options) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.cfg.Enabled {
		return nil, generation.Unavailable(Name, nil)
	}

	obj := map[string]any{
		"economicEffects": p.effects(prompt, "economic", p.cfg.Economic),
		"socialEffects":   p.effects(prompt, "social", p.cfg.Social),
	}
	if err := schema.Check(Name, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (p *Provider) effects(prompt, group string, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = p.delta(prompt, group, name)
	}
	return out
}

// delta maps sha256(group/name/prompt) onto [-MaxMagnitude, MaxMagnitude]
// with two decimal places.
func (p *Provider) delta(prompt, group, name string) float64 {
	sum := sha256.Sum256([]byte(group + "/" + name + "/" + prompt))
	u := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	v := (2*u - 1) * p.cfg.MaxMagnitude
	return math.Round(v*100) / 100
}
