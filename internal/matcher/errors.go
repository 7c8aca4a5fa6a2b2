package matcher

import (
	"errors"
	"fmt"

	"github.com/your-org/attend/internal/models"
)

var (
	// ErrNoMatch is returned when no candidate reaches the threshold.
	ErrNoMatch = errors.New("no match")

	// ErrMalformedEmbedding is returned for empty, zero-norm or non-finite vectors.
	ErrMalformedEmbedding = errors.New("malformed embedding")

	// ErrUnknownModality is returned when the matcher has no settings for a modality.
	ErrUnknownModality = errors.New("unknown modality")
)

// NoMatchError carries the best score seen so callers can report how close
// the attempt was. errors.Is(err, ErrNoMatch) holds.
type NoMatchError struct {
	Modality  models.Modality
	BestScore float64
	Threshold float64
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no %s match: best score %.4f below threshold %.4f", e.Modality, e.BestScore, e.Threshold)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// DimensionMismatchError indicates an embedding of the wrong length for its modality.
type DimensionMismatchError struct {
	Modality models.Modality
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s embedding dimension mismatch: expected %d, got %d", e.Modality, e.Expected, e.Actual)
}
