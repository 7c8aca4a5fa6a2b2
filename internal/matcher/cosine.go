package matcher

import "math"

// Cosine computes the cosine similarity between two vectors of equal length.
// Accumulates in float64 and clamps to [-1, 1] to absorb rounding error.
// Returns 0 if either vector has zero norm or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// validate checks that v is usable for cosine comparison.
func validate(v []float32) error {
	if len(v) == 0 {
		return ErrMalformedEmbedding
	}
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrMalformedEmbedding
		}
		norm += f * f
	}
	if norm == 0 {
		return ErrMalformedEmbedding
	}
	return nil
}
