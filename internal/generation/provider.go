// Package generation defines the contract every content-generation backend
// implements, and the pieces shared by all of them: error kinds, output
// schemas and a registry for picking a backend at runtime.
package generation

import "context"

// Provider is a generation backend. Implementations must be safe for
// concurrent use; one instance is shared by every driver worker.
type Provider interface {
	// Generate returns free text for prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateStructured returns an object that validates against schema.
	// Output that cannot be coerced into a conforming object yields a
	// *SchemaViolationError.
	GenerateStructured(ctx context.Context, prompt string, schema *Schema, opts Options) (map[string]any, error)

	// IsAvailable reports whether the backend can be used right now. It must
	// be cheap, must not panic and returns false on any doubt.
	IsAvailable(ctx context.Context) bool

	// Describe returns static metadata about the backend.
	Describe() Descriptor
}

// Options tune a single generation call. Zero values mean backend defaults.
type Options struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// Limits are the advertised operating limits of a backend.
type Limits struct {
	MaxPromptBytes    int `json:"max_prompt_bytes,omitempty"`
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// Descriptor is static backend metadata.
type Descriptor struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Model      string `json:"model,omitempty"`
	Structured bool   `json:"structured"`
	Text       bool   `json:"text"`
	Limits     Limits `json:"limits"`
}
