package sm2

import (
	"time"

	"github.com/conorfennell/knoldeck/internal/domain"
)

// SuggestPolicy holds the response-time thresholds used by Suggest.
type SuggestPolicy struct {
	Fast time.Duration
	Slow time.Duration
}

// DefaultSuggestPolicy matches a typed answer: under 3s is effortless,
// 8s or more means the card was a struggle.
func DefaultSuggestPolicy() SuggestPolicy {
	return SuggestPolicy{
		Fast: 3 * time.Second,
		Slow: 8 * time.Second,
	}
}

// Suggest proposes a grade for an answer. It is advisory only; the caller
// decides which grade is passed to Transition.
func Suggest(a Answer, p SuggestPolicy) domain.Grade {
	switch {
	case !a.Correct:
		return domain.Again
	case a.Hinted:
		return domain.Hard
	case a.Elapsed < p.Fast:
		return domain.Easy
	case a.Elapsed >= p.Slow:
		return domain.Hard
	default:
		return domain.Good
	}
}
