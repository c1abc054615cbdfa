package semantics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProjectionForIsDeterministic covers §8 property 3 (same seed, same
// matrix) and property 2 (the projection half of encoder determinism):
// regenerating the matrix for a layer from scratch must reproduce the
// cached one exactly.
func TestProjectionForIsDeterministic(t *testing.T) {
	m1 := ProjectionFor(LayerAction)
	m2 := generateAchlioptas(SlotDim, EmbeddingDim, seeds[LayerAction])
	require.Equal(t, m1.rows, m2.rows)
	require.Equal(t, m1.cols, m2.cols)
	assert.Equal(t, m1.data, m2.data)
}

// TestProjectionLayersAreDistinct ensures the four fixed per-layer seeds
// actually produce different matrices, not accidental collisions.
func TestProjectionLayersAreDistinct(t *testing.T) {
	layers := []string{LayerAction, LayerResource, LayerData, LayerRisk}
	matrices := make([]*Matrix, len(layers))
	for i, l := range layers {
		matrices[i] = ProjectionFor(l)
	}
	for i := 0; i < len(matrices); i++ {
		for j := i + 1; j < len(matrices); j++ {
			assert.NotEqual(t, matrices[i].data, matrices[j].data, "layers %s and %s collided", layers[i], layers[j])
		}
	}
}

// TestAchlioptasSparsity covers §8 property 3: with s=3 roughly 2/3 of
// entries should land exactly on zero. Checked against a wide tolerance
// since this is a single finite sample, not an expectation-value proof.
func TestAchlioptasSparsity(t *testing.T) {
	m := generateAchlioptas(SlotDim, EmbeddingDim, 999)
	var zeros int
	for _, v := range m.data {
		if v == 0 {
			zeros++
		}
	}
	frac := float64(zeros) / float64(len(m.data))
	assert.InDelta(t, 2.0/3.0, frac, 0.05)
}

// TestAchlioptasNonzeroMagnitude covers the other half of the Achlioptas
// construction: every nonzero entry must be exactly +/- sqrt(s).
func TestAchlioptasNonzeroMagnitude(t *testing.T) {
	m := generateAchlioptas(SlotDim, EmbeddingDim, 7)
	want := float32(math.Sqrt(float64(sparsity)))
	for _, v := range m.data {
		if v == 0 {
			continue
		}
		assert.InDelta(t, want, math.Abs(float64(v)), 1e-5)
	}
}

// TestMultiplyL2NormalizeUnitNorm covers §8 property 1: a nondegenerate
// input projects to a unit-norm output.
func TestMultiplyL2NormalizeUnitNorm(t *testing.T) {
	m := ProjectionFor(LayerResource)
	vec := make([]float32, EmbeddingDim)
	for i := range vec {
		vec[i] = float32(i%7) - 3
	}
	out := m.MultiplyL2Normalize(vec)
	require.Len(t, out, SlotDim)

	var sumSq float64
	for _, v := range out {
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-4)
}

// TestMultiplyL2NormalizeZeroInput covers §4.2's degenerate-input edge
// case: an all-zero embedding must project to the zero vector, not NaN.
func TestMultiplyL2NormalizeZeroInput(t *testing.T) {
	m := ProjectionFor(LayerData)
	vec := make([]float32, EmbeddingDim)
	out := m.MultiplyL2Normalize(vec)
	for _, v := range out {
		assert.Equal(t, float32(0), v)
	}
}
