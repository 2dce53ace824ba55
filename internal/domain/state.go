package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Ease bounds shared by the scheduler and the on-disk validation.
const (
	InitialEase = 2.5
	MinEase     = 1.3
)

// Phase is the learning stage of a card.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseLearning
	PhaseReview
)

var phaseNames = [...]string{PhaseNew: "new", PhaseLearning: "learning", PhaseReview: "review"}

func (p Phase) IsValid() bool {
	return p >= PhaseNew && p <= PhaseReview
}

func (p Phase) String() string {
	if p.IsValid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid phase: %d", int(p))
	}
	return []byte(phaseNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("invalid phase: %q", text)
}

// Grade is the user's rating of a recall attempt.
type Grade int

const (
	Again Grade = iota + 1 // Forgotten.
	Hard                   // Recalled with serious difficulty.
	Good                   // Recalled after some hesitation.
	Easy                   // Recalled instantly.
)

var gradeNames = [...]string{Again: "Again", Hard: "Hard", Good: "Good", Easy: "Easy"}

// ErrInvalidGrade is returned for grades outside Again..Easy.
var ErrInvalidGrade = errors.New("invalid grade")

func (g Grade) IsValid() bool {
	return g >= Again && g <= Easy
}

func (g Grade) String() string {
	if g.IsValid() {
		return gradeNames[g]
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// ParseGrade accepts "1".."4" or a grade name, case-insensitively.
func ParseGrade(s string) (Grade, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "again", "a":
		return Again, nil
	case "2", "hard", "h":
		return Hard, nil
	case "3", "good", "g":
		return Good, nil
	case "4", "easy", "e":
		return Easy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidGrade, s)
}

// MarshalJSON encodes the grade as its name.
func (g Grade) MarshalJSON() ([]byte, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGrade, int(g))
	}
	return json.Marshal(gradeNames[g])
}

// UnmarshalJSON decodes a grade name.
func (g *Grade) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidGrade, data)
	}
	v, err := ParseGrade(s)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// LearningState is the scheduling state embedded in every card.
// Outside of NewLearningState it is only ever produced by sm2.Transition.
type LearningState struct {
	Phase          Phase      `json:"phase"`
	IntervalDays   float64    `json:"interval_days"`
	EaseFactor     float64    `json:"ease_factor"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	Lapses         int        `json:"lapses"`
	Reps           int        `json:"reps"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
}

// NewLearningState returns the state of a card that has never been reviewed.
func NewLearningState() LearningState {
	return LearningState{
		Phase:      PhaseNew,
		EaseFactor: InitialEase,
	}
}

// Due reports whether the card should be shown at now.
// New cards are always due.
func (s LearningState) Due(now time.Time) bool {
	if s.DueAt == nil {
		return true
	}
	return !now.Before(*s.DueAt)
}

// Validate checks the invariants every persisted state must satisfy.
func (s LearningState) Validate(now time.Time) error {
	if !s.Phase.IsValid() {
		return fmt.Errorf("unknown phase %d", int(s.Phase))
	}
	if s.IntervalDays < 0 {
		return fmt.Errorf("negative interval %.2f", s.IntervalDays)
	}
	if s.EaseFactor < MinEase {
		return fmt.Errorf("ease factor %.2f below %.2f", s.EaseFactor, MinEase)
	}
	if s.Lapses < 0 || s.Reps < 0 {
		return fmt.Errorf("negative counters (lapses=%d reps=%d)", s.Lapses, s.Reps)
	}
	if s.Phase == PhaseNew && s.DueAt != nil && s.DueAt.After(now) {
		return fmt.Errorf("new card due in the future (%s)", s.DueAt.Format(time.RFC3339))
	}
	if s.Phase != PhaseNew && s.DueAt == nil {
		return fmt.Errorf("%s card without due date", s.Phase)
	}
	return nil
}
