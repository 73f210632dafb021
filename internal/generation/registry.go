package generation

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Auto selects the first available provider in priority order.
const Auto = "auto"

// Registry holds the configured backends and resolves which one to use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	priority  []string
}

// NewRegistry creates an empty registry. priority lists provider names in
// the order Auto should try them; unlisted providers follow in
// registration order.
func NewRegistry(priority ...string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		priority:  priority,
	}
}

// Register adds p under its descriptor name.
func (r *Registry) Register(p Provider) error {
	name := p.Describe().Name
	if name == "" {
		return errors.New("generation: provider has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return errors.Newf("generation: provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// Resolve returns the named provider. For Auto it returns the first
// provider in priority order that reports itself available, or the
// highest-priority provider when none is, so the caller's own
// availability check decides what happens next.
func (r *Registry) Resolve(ctx context.Context, name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != Auto {
		p, ok := r.providers[name]
		if !ok {
			return nil, errors.Wrapf(ErrProviderNotFound, "%q", name)
		}
		return p, nil
	}

	candidates := r.ranked()
	if len(candidates) == 0 {
		return nil, errors.Wrap(ErrProviderNotFound, "no providers registered")
	}
	for _, p := range candidates {
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	return candidates[0], nil
}

// List returns descriptors in resolution order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ranked := r.ranked()
	out := make([]Descriptor, 0, len(ranked))
	for _, p := range ranked {
		out = append(out, p.Describe())
	}
	return out
}

func (r *Registry) ranked() []Provider {
	seen := make(map[string]bool, len(r.providers))
	out := make([]Provider, 0, len(r.providers))
	for _, name := range r.priority {
		if p, ok := r.providers[name]; ok && !seen[name] {
			out = append(out, p)
			seen[name] = true
		}
	}
	for _, name := range r.order {
		if !seen[name] {
			out = append(out, r.providers[name])
			seen[name] = true
		}
	}
	return out
}
