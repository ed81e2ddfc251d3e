package facts

import "math"

// ConfidenceLevel is the discrete bucket of a confidence score.
type ConfidenceLevel string

const (
	LevelHigh   ConfidenceLevel = "high"
	LevelMedium ConfidenceLevel = "medium"
	LevelLow    ConfidenceLevel = "low"
)

// Level thresholds. Every surface that shows a level reads these through
// LevelFor; nothing downstream recomputes them.
const (
	HighConfidenceThreshold   = 0.90
	MediumConfidenceThreshold = 0.70
)

// CorroborationBoost is added per corroborating evidence item beyond the first.
const CorroborationBoost = 0.02

// LevelFor maps a confidence to its level.
func LevelFor(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= HighConfidenceThreshold:
		return LevelHigh
	case confidence >= MediumConfidenceThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ClampConfidence forces c into [0,1]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Score derives the stored confidence and level from the extractor's raw
// confidence and the number of evidence items backing the fact.
func Score(raw float64, evidenceCount int) (float64, ConfidenceLevel) {
	c := ClampConfidence(raw)
	if evidenceCount > 1 {
		c = ClampConfidence(c + CorroborationBoost*float64(evidenceCount-1))
	}
	// keep two-decimal-ish noise out of the stored value
	c = math.Round(c*1e6) / 1e6
	return c, LevelFor(c)
}

// Recombine merges an existing node's confidence with a new observation:
// max of the two, boosted per newly corroborating evidence item, capped at 1.
func Recombine(existing, incoming float64, corroborating int) (float64, ConfidenceLevel) {
	base := math.Max(ClampConfidence(existing), ClampConfidence(incoming))
	return Score(base, corroborating+1)
}
