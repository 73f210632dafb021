package heuristic

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/domain"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
)

func TestGenerateStructured_Deterministic(t *testing.T) {
	p := New(Config{Enabled: true})
	ctx := context.Background()

	a, err := p.GenerateStructured(ctx, "build a hydroelectric dam", generation.EffectSchema, generation.Options{})
	require.NoError(t, err)
	b, err := p.GenerateStructured(ctx, "build a hydroelectric dam", generation.EffectSchema, generation.Options{})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.GenerateStructured(ctx, "expand public schools", generation.EffectSchema, generation.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGenerateStructured_BoundedAndConvertible(t *testing.T) {
	p := New(Config{Enabled: true, Economic: []string{"gdp"}, Social: []string{"approval"}, MaxMagnitude: 2})

	obj, err := p.GenerateStructured(context.Background(), "tax reform", generation.EffectSchema, generation.Options{})
	require.NoError(t, err)

	payload, err := domain.EffectPayloadFromMap(obj)
	require.NoError(t, err)
	assert.Len(t, payload.Economic, 1)
	assert.Len(t, payload.Social, 1)
	for _, v := range []float64{payload.Economic["gdp"], payload.Social["approval"]} {
		assert.LessOrEqual(t, v, 2.0)
		assert.GreaterOrEqual(t, v, -2.0)
	}
}

func TestGenerate_NotImplemented(t *testing.T) {
	_, err := New(Config{Enabled: true}).Generate(context.Background(), "x", generation.Options{})
	assert.ErrorIs(t, err, generation.ErrNotImplemented)
}

func TestDisabled(t *testing.T) {
	p := New(Config{})
	assert.False(t, p.IsAvailable(context.Background()))

	_, err := p.GenerateStructured(context.Background(), "x", generation.EffectSchema, generation.Options{})
	assert.ErrorIs(t, err, generation.ErrUnavailable)
}

func TestGenerateStructured_ForeignSchema(t *testing.T) {
	schema := generation.MustCompileSchema("summary", `{"type":"object","required":["text"]}`)
	_, err := New(Config{Enabled: true}).GenerateStructured(context.Background(), "x", schema, generation.Options{})

	var sv *generation.SchemaViolationError
	require.True(t, errors.As(err, &sv))
	assert.Equal(t, "summary", sv.Schema)
}
