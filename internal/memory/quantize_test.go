package memory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeInt8RoundTrip(t *testing.T) {
	v := []float32{0.9, -0.5, 0.001, -0.001, 0, 0.25}
	q, scale := QuantizeInt8(v)
	require.Len(t, q, len(v))
	require.Greater(t, scale, float32(0))

	for i := range v {
		restored := float64(q[i]) * float64(scale)
		assert.InDelta(t, float64(v[i]), restored, float64(scale)/2+1e-6, "dim %d", i)
	}
}

func TestQuantizeInt8ZeroVector(t *testing.T) {
	q, scale := QuantizeInt8(make([]float32, 8))
	assert.Equal(t, float32(0), scale)
	for _, x := range q {
		assert.Equal(t, int8(0), x)
	}

	q, scale = QuantizeInt8(nil)
	assert.Nil(t, q)
	assert.Equal(t, float32(0), scale)
}

func TestQuantizeBitsAndHamming(t *testing.T) {
	v := []float32{1, -1, 0.5, -0.5, 0, 2}
	bits := QuantizeBits(v)
	require.Len(t, bits, 1)

	assert.Equal(t, 0, Hamming(bits, bits))

	flipped := make([]float32, len(v))
	for i, x := range v {
		flipped[i] = -x
	}
	// Every strictly positive dimension flips; zeros stay zero both ways.
	assert.Equal(t, 5, Hamming(bits, QuantizeBits(flipped)))
}

func TestCosineSimilarityMapping(t *testing.T) {
	a := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.5, CosineSimilarity(a, []float32{0, 1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{0, 0, 0}))
}

func TestCosineSimilarityInt8TracksFloat(t *testing.T) {
	v := []float32{0.7, -0.3, 0.1, 0.9, -0.8}
	w := []float32{0.6, -0.2, 0.2, 0.8, -0.7}
	q, _ := QuantizeInt8(v)

	exact := CosineSimilarity(v, w)
	approx := CosineSimilarityInt8(q, w)
	assert.InDelta(t, exact, approx, 0.02)
}

func TestHashEmbedderDeterministicUnit(t *testing.T) {
	e := NewHashEmbedder(128)
	a, err := e.Embed(context.Background(), "the same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the same text")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 128)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)

	c, err := e.Embed(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
