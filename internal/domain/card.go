package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrCardNotFound  = errors.New("card not found")
	ErrDuplicateCard = errors.New("duplicate card")
	ErrEmptyCard     = errors.New("front and back cannot be empty")
)

// Card is a single front/back entry owned by a deck.
// Backs holds every acceptable answer; the first one is canonical.
type Card struct {
	ID    string
	Front string
	Backs []string
	Hash  string
	State LearningState
}

// Canonical returns the primary answer.
func (c Card) Canonical() string {
	if len(c.Backs) == 0 {
		return ""
	}
	return c.Backs[0]
}

// BackText renders all answers the way they appear in the card file.
func (c Card) BackText() string {
	return strings.Join(c.Backs, ";")
}

// ReviewRecord describes one graded answer.
// The Grade corresponds to:
// 1: Again
// 2: Hard
// 3: Good
// 4: Easy
type ReviewRecord struct {
	Deck      string
	CardID    string
	Grade     Grade
	Suggested Grade
	// Accepted is true when the final grade equals the suggestion.
	Accepted   bool
	Correct    bool
	Match      string
	Latency    time.Duration
	ReviewedAt time.Time
}
