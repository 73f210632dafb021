package generation

import "context"

// Base is embedded by backends to inherit the default behaviour for every
// capability they do not override: generation returns ErrNotImplemented and
// the backend reports itself unavailable.
type Base struct {
	Name    string
	Version string
}

func (b Base) Generate(context.Context, string, Options) (string, error) {
	return "", notImplemented(b.Name, "generate")
}

func (b Base) GenerateStructured(context.Context, string, *Schema, Options) (map[string]any, error) {
	return nil, notImplemented(b.Name, "generateStructured")
}

func (Base) IsAvailable(context.Context) bool { return false }

func (b Base) Describe() Descriptor {
	return Descriptor{Name: b.Name, Version: b.Version}
}
