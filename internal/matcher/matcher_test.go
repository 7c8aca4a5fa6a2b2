package matcher

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/attend/internal/models"
)

// unitAt returns a 2-D unit vector whose cosine with (1, 0) equals sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func newTestMatcher() *Matcher {
	return New(map[models.Modality]Settings{
		models.ModalityFace:  {Dim: 2, Threshold: 0.62},
		models.ModalityVoice: {Dim: 2, Threshold: 0.68},
	})
}

func ref(externalRef string, vectors ...[]float32) models.Reference {
	return models.Reference{
		IdentityID:  uuid.New(),
		ExternalRef: externalRef,
		Name:        externalRef,
		Vectors:     vectors,
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "scaled", a: []float32{1, 2, 3}, b: []float32{2, 4, 6}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "length mismatch", a: []float32{1, 0}, b: []float32{1, 0, 0}, want: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 0}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-6)
		})
	}
}

func TestCosineSymmetryAndSelfIdentity(t *testing.T) {
	vectors := [][]float32{
		{0.1, -0.4, 0.9, 0.33},
		{-2, 7, 0.5, 1},
		{3, 3, 3, 3},
		{0.0001, 100, -50, 2},
	}
	for i, a := range vectors {
		assert.InDelta(t, 1.0, Cosine(a, a), 1e-9, "self similarity of vector %d", i)
		for _, b := range vectors {
			assert.InDelta(t, Cosine(a, b), Cosine(b, a), 1e-12)
		}
	}
}

func TestMatch_ScoreIsBestReferencePerIdentity(t *testing.T) {
	m := newTestMatcher()
	probe := []float32{1, 0}

	alice := ref("alice@example.com", unitAt(0.30), unitAt(0.91), unitAt(0.75))
	bob := ref("bob@example.com", unitAt(0.88))

	res, err := m.Match(probe, models.ModalityFace, []models.Reference{bob, alice})
	require.NoError(t, err)
	assert.Equal(t, alice.IdentityID, res.IdentityID)
	assert.InDelta(t, 0.91, res.Score, 1e-6)
	assert.False(t, res.Ambiguous)
	assert.Empty(t, res.Contenders)
}

func TestMatch_BelowThresholdIsNoMatch(t *testing.T) {
	m := newTestMatcher()

	candidates := []models.Reference{
		ref("a@example.com", unitAt(0.59)),
		ref("b@example.com", unitAt(0.41), unitAt(0.59)),
	}

	res, err := m.Match([]float32{1, 0}, models.ModalityFace, candidates)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrNoMatch))

	var nm *NoMatchError
	require.True(t, errors.As(err, &nm))
	assert.InDelta(t, 0.59, nm.BestScore, 1e-6)
	assert.Equal(t, 0.62, nm.Threshold)
}

func TestMatch_ExactlyAtThresholdMatches(t *testing.T) {
	probe := []float32{1, 0}
	v := []float32{0.6, 0.8}
	m := New(map[models.Modality]Settings{models.ModalityFace: {Dim: 2, Threshold: Cosine(probe, v)}})

	res, err := m.Match(probe, models.ModalityFace, []models.Reference{ref("x@example.com", v)})
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", res.ExternalRef)
}

func TestMatch_TieResolvesToSmallestReference(t *testing.T) {
	m := newTestMatcher()
	v := unitAt(0.70)

	zed := ref("zed@example.com", v)
	amy := ref("amy@example.com", v)
	mia := ref("mia@example.com", unitAt(0.50))

	res, err := m.Match([]float32{1, 0}, models.ModalityFace, []models.Reference{zed, mia, amy})
	require.NoError(t, err)
	assert.Equal(t, amy.IdentityID, res.IdentityID)
	assert.InDelta(t, 0.70, res.Score, 1e-6)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, []string{"amy@example.com", "zed@example.com"}, res.Contenders)

	// Candidate order must not change the outcome.
	res2, err := m.Match([]float32{1, 0}, models.ModalityFace, []models.Reference{amy, mia, zed})
	require.NoError(t, err)
	assert.Equal(t, res.IdentityID, res2.IdentityID)
}

func TestMatch_TieBelowThresholdIsNoMatch(t *testing.T) {
	m := newTestMatcher()
	v := unitAt(0.40)

	_, err := m.Match([]float32{1, 0}, models.ModalityFace, []models.Reference{ref("a", v), ref("b", v)})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestMatch_IneligibleAndEmptyCandidates(t *testing.T) {
	m := newTestMatcher()

	_, err := m.Match([]float32{1, 0}, models.ModalityFace, nil)
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = m.Match([]float32{1, 0}, models.ModalityFace, []models.Reference{ref("no-faces@example.com")})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestMatch_ContractViolations(t *testing.T) {
	m := newTestMatcher()

	tests := []struct {
		name       string
		probe      []float32
		modality   models.Modality
		candidates []models.Reference
		check      func(t *testing.T, err error)
	}{
		{
			name:     "probe dimension",
			probe:    []float32{1, 0, 0},
			modality: models.ModalityFace,
			check: func(t *testing.T, err error) {
				var dm *DimensionMismatchError
				require.True(t, errors.As(err, &dm))
				assert.Equal(t, 2, dm.Expected)
				assert.Equal(t, 3, dm.Actual)
			},
		},
		{
			name:       "reference dimension",
			probe:      []float32{1, 0},
			modality:   models.ModalityFace,
			candidates: []models.Reference{ref("a", []float32{1, 0, 0})},
			check: func(t *testing.T, err error) {
				var dm *DimensionMismatchError
				assert.True(t, errors.As(err, &dm))
			},
		},
		{
			name:     "zero norm",
			probe:    []float32{0, 0},
			modality: models.ModalityFace,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedEmbedding)
			},
		},
		{
			name:     "nan",
			probe:    []float32{float32(math.NaN()), 1},
			modality: models.ModalityFace,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedEmbedding)
			},
		},
		{
			name:     "unknown modality",
			probe:    []float32{1, 0},
			modality: models.Modality("iris"),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnknownModality)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Match(tt.probe, tt.modality, tt.candidates)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestVerify_UsesModalityThreshold(t *testing.T) {
	m := newTestMatcher()
	r := ref("a@example.com", unitAt(0.65))

	// 0.65 passes the face threshold but not the voice threshold.
	_, err := m.Verify([]float32{1, 0}, models.ModalityFace, r)
	require.NoError(t, err)

	_, err = m.Verify([]float32{1, 0}, models.ModalityVoice, r)
	assert.ErrorIs(t, err, ErrNoMatch)
}
