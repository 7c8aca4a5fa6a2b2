// Package matcher decides whether a probe embedding belongs to one of a set
// of enrolled identities. It holds no mutable state and is safe for
// concurrent use.
package matcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

// tieEpsilon is the score difference below which two identities are
// considered tied.
const tieEpsilon = 1e-9

// Settings configures one modality.
type Settings struct {
	Dim       int
	Threshold float64
}

// Result is the outcome of a successful match.
type Result struct {
	IdentityID  uuid.UUID
	ExternalRef string
	Name        string
	Score       float64
	// Ambiguous is set when more than one identity shared the top score.
	// The winner is the smallest external reference; Contenders lists all
	// tied references in ascending order.
	Ambiguous  bool
	Contenders []string
}

type Matcher struct {
	settings map[models.Modality]Settings
}

func New(settings map[models.Modality]Settings) *Matcher {
	cp := make(map[models.Modality]Settings, len(settings))
	for k, v := range settings {
		cp[k] = v
	}
	return &Matcher{settings: cp}
}

// Threshold returns the configured threshold for a modality.
func (m *Matcher) Threshold(modality models.Modality) float64 {
	return m.settings[modality].Threshold
}

// Dim returns the configured embedding dimension for a modality.
func (m *Matcher) Dim(modality models.Modality) int {
	return m.settings[modality].Dim
}

// Validate checks a probe or reference embedding against the modality contract.
func (m *Matcher) Validate(v []float32, modality models.Modality) error {
	s, ok := m.settings[modality]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModality, modality)
	}
	if s.Dim > 0 && len(v) != s.Dim {
		return &DimensionMismatchError{Modality: modality, Expected: s.Dim, Actual: len(v)}
	}
	if err := validate(v); err != nil {
		return fmt.Errorf("%s embedding: %w", modality, err)
	}
	return nil
}

// Match compares probe with every reference vector of every candidate. An
// identity's score is its best reference; the identity with the highest
// score wins if it reaches the threshold. Candidates without vectors are
// not eligible and are skipped.
func (m *Matcher) Match(probe []float32, modality models.Modality, candidates []models.Reference) (*Result, error) {
	if err := m.Validate(probe, modality); err != nil {
		return nil, err
	}
	s := m.settings[modality]

	type scored struct {
		ref   *models.Reference
		score float64
	}
	best := math.Inf(-1)
	var top []scored

	for i := range candidates {
		c := &candidates[i]
		if len(c.Vectors) == 0 {
			continue
		}
		idScore := math.Inf(-1)
		for _, v := range c.Vectors {
			if len(v) != len(probe) {
				return nil, &DimensionMismatchError{Modality: modality, Expected: len(probe), Actual: len(v)}
			}
			if sim := Cosine(probe, v); sim > idScore {
				idScore = sim
			}
		}

		switch {
		case idScore > best+tieEpsilon:
			best = idScore
			top = append(top[:0], scored{ref: c, score: idScore})
		case math.Abs(idScore-best) <= tieEpsilon:
			top = append(top, scored{ref: c, score: idScore})
			if idScore > best {
				best = idScore
			}
		}
	}

	if len(top) == 0 || best < s.Threshold {
		if len(top) == 0 {
			best = 0
		}
		return nil, &NoMatchError{Modality: modality, BestScore: best, Threshold: s.Threshold}
	}

	sort.Slice(top, func(i, j int) bool {
		return top[i].ref.ExternalRef < top[j].ref.ExternalRef
	})
	winner := top[0].ref

	res := &Result{
		IdentityID:  winner.IdentityID,
		ExternalRef: winner.ExternalRef,
		Name:        winner.Name,
		Score:       best,
	}
	if len(top) > 1 {
		res.Ambiguous = true
		res.Contenders = make([]string, 0, len(top))
		for _, t := range top {
			res.Contenders = append(res.Contenders, t.ref.ExternalRef)
		}
	}
	return res, nil
}

// Verify is a 1:1 check of probe against a single identity's references.
func (m *Matcher) Verify(probe []float32, modality models.Modality, ref models.Reference) (float64, error) {
	res, err := m.Match(probe, modality, []models.Reference{ref})
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}
