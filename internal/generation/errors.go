package generation

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotImplemented is returned for a capability the backend does not
	// provide. It is never worth retrying.
	ErrNotImplemented = errors.New("generation: not implemented")

	// ErrUnavailable marks a backend that cannot currently serve requests.
	ErrUnavailable = errors.New("generation: provider unavailable")

	ErrProviderNotFound = errors.New("generation: provider not registered")
)

func notImplemented(provider, op string) error {
	return errors.Wrapf(ErrNotImplemented, "%s: %s", provider, op)
}

// Unavailable wraps cause as an ErrUnavailable for provider. The cause's
// message is kept in the chain; use errors.WithDetail for response bodies.
func Unavailable(provider string, cause error) error {
	if cause == nil {
		return errors.Wrap(ErrUnavailable, provider)
	}
	return errors.Mark(errors.Wrapf(cause, "%s unavailable", provider), ErrUnavailable)
}

// GenerationError is a backend failure while producing output.
type GenerationError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: generation failed: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: generation failed: %s", e.Provider, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// SchemaViolationError is returned when generated output cannot be coerced
// into an object that satisfies the requested schema.
type SchemaViolationError struct {
	Provider string
	Schema   string
	Reason   string
	Cause    error
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s: output violates schema %s: %s", e.Provider, e.Schema, e.Reason)
}

func (e *SchemaViolationError) Unwrap() error { return e.Cause }
