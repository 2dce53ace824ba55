// Package scheduler selects the cards due for a session and applies grades
// to a deck through the sm2 state machine.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/sm2"
)

// Caps are the daily limits on how many cards a session may present.
type Caps struct {
	NewPerDay     int
	ReviewsPerDay int
}

// DefaultCaps are 20 new cards and 200 reviews a day.
func DefaultCaps() Caps {
	return Caps{NewPerDay: 20, ReviewsPerDay: 200}
}

// DueCards returns a snapshot of the cards to present at now: due learning
// and review cards first, oldest due date first, then new cards in the
// order they were added. Each group is limited by what remains of its
// daily cap. The counters roll over at midnight in now's location.
func DueCards(d *domain.Deck, now time.Time, caps Caps) []domain.Card {
	counters := d.Counters.For(now)
	reviewLeft := remaining(caps.ReviewsPerDay, counters.Reviewed)
	newLeft := remaining(caps.NewPerDay, counters.NewIntroduced)

	var due, fresh []domain.Card
	for _, c := range d.Cards {
		switch {
		case c.State.Phase == domain.PhaseNew:
			if len(fresh) < newLeft {
				fresh = append(fresh, c)
			}
		case c.State.Due(now):
			due = append(due, c)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].State.DueAt.Before(*due[j].State.DueAt)
	})
	if len(due) > reviewLeft {
		due = due[:reviewLeft]
	}
	return append(due, fresh...)
}

// NextDue returns the earliest due date among cards not due at now,
// or nil if there is none.
func NextDue(d *domain.Deck, now time.Time) *time.Time {
	var next *time.Time
	for _, c := range d.Cards {
		if c.State.Phase == domain.PhaseNew || c.State.DueAt == nil || c.State.Due(now) {
			continue
		}
		if next == nil || c.State.DueAt.Before(*next) {
			t := *c.State.DueAt
			next = &t
		}
	}
	return next
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Grading is a computed grade that has not been applied to its deck yet.
type Grading struct {
	index  int
	wasNew bool
	next   domain.LearningState
	now    time.Time
}

// PlanGrade computes the transition for the card with the given id
// without changing the deck.
func PlanGrade(d *domain.Deck, id string, g domain.Grade, a sm2.Answer, now time.Time) (Grading, error) {
	i := d.Index(id)
	if i < 0 {
		return Grading{}, fmt.Errorf("%w: %s", domain.ErrCardNotFound, id)
	}
	card := d.Cards[i]
	next, err := sm2.Transition(card.State, g, a, now)
	if err != nil {
		return Grading{}, fmt.Errorf("failed to grade card %s: %w", id, err)
	}
	return Grading{index: i, wasNew: card.State.Phase == domain.PhaseNew, next: next, now: now}, nil
}

// Apply stores the planned state and charges the grade to the daily new
// or review counter depending on the phase the card was in before.
// The deck must be the one the grading was planned on, unchanged since.
func (p Grading) Apply(d *domain.Deck) domain.Card {
	card := &d.Cards[p.index]
	card.State = p.next
	d.Counters = d.Counters.For(p.now)
	if p.wasNew {
		d.Counters.NewIntroduced++
	} else {
		d.Counters.Reviewed++
	}
	return *card
}

// ApplyGrade plans and applies a grade in one step.
func ApplyGrade(d *domain.Deck, id string, g domain.Grade, a sm2.Answer, now time.Time) (domain.Card, error) {
	p, err := PlanGrade(d, id, g, a, now)
	if err != nil {
		return domain.Card{}, err
	}
	return p.Apply(d), nil
}

// Difficulty ranks how much trouble a card has given: every lapse weighs
// ten points and every step of ease lost below the initial 2.5 weighs five.
func Difficulty(s domain.LearningState) float64 {
	return float64(s.Lapses)*10 + (domain.InitialEase-s.EaseFactor)*5
}

// Hardest returns the deck's reviewed cards, hardest first. Cards never
// reviewed are left out. Ties keep deck order.
func Hardest(d *domain.Deck) []domain.Card {
	var out []domain.Card
	for _, c := range d.Cards {
		if c.State.Reps > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Difficulty(out[i].State) > Difficulty(out[j].State)
	})
	return out
}

// PracticeOrder returns every card, hardest first, for a session that
// does not change scheduling.
func PracticeOrder(d *domain.Deck) []domain.Card {
	out := append([]domain.Card(nil), d.Cards...)
	sort.SliceStable(out, func(i, j int) bool {
		return Difficulty(out[i].State) > Difficulty(out[j].State)
	})
	return out
}
