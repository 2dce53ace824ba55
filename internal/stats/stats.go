// Package stats summarises a deck's learning progress.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/reviewlog"
	"github.com/conorfennell/knoldeck/internal/scheduler"
)

// MatureDays is the interval from which a review card counts as mature.
const MatureDays = 21

// HardestLimit caps the number of hardest cards reported.
const HardestLimit = 5

// History is the part of the review log that stats read.
type History interface {
	Accuracy(ctx context.Context, deck string, since time.Time) (reviewlog.Accuracy, error)
}

// Stats is a snapshot of one deck.
type Stats struct {
	Deck     string
	Total    int
	New      int
	Learning int
	Review   int
	Mature   int
	DueNow   int
	NextDue  *time.Time

	// Counted from the deck's daily counters.
	NewToday     int
	ReviewsToday int

	// Zero when no review history is available.
	Week    reviewlog.Accuracy
	Month   reviewlog.Accuracy
	AllTime reviewlog.Accuracy

	Hardest []HardCard
}

// HardCard is a card ranked by scheduler.Difficulty.
type HardCard struct {
	Card       domain.Card
	Difficulty float64
}

// Compute gathers deck counts and, when hist is not nil, answer accuracy
// over the last 7 and 30 days.
func Compute(ctx context.Context, d *domain.Deck, hist History, now time.Time) (Stats, error) {
	s := Stats{Deck: d.Slug, Total: len(d.Cards)}
	for _, c := range d.Cards {
		switch c.State.Phase {
		case domain.PhaseNew:
			s.New++
		case domain.PhaseLearning:
			s.Learning++
		case domain.PhaseReview:
			s.Review++
			if c.State.IntervalDays >= MatureDays {
				s.Mature++
			}
		}
		if c.State.Due(now) {
			s.DueNow++
		}
	}
	s.NextDue = scheduler.NextDue(d, now)

	today := d.Counters.For(now)
	s.NewToday = today.NewIntroduced
	s.ReviewsToday = today.Reviewed

	for _, c := range scheduler.Hardest(d) {
		if len(s.Hardest) == HardestLimit {
			break
		}
		s.Hardest = append(s.Hardest, HardCard{Card: c, Difficulty: scheduler.Difficulty(c.State)})
	}

	if hist == nil {
		return s, nil
	}
	var err error
	if s.Week, err = hist.Accuracy(ctx, d.Slug, now.AddDate(0, 0, -7)); err != nil {
		return s, fmt.Errorf("failed to read weekly accuracy: %w", err)
	}
	if s.Month, err = hist.Accuracy(ctx, d.Slug, now.AddDate(0, 0, -30)); err != nil {
		return s, fmt.Errorf("failed to read monthly accuracy: %w", err)
	}
	if s.AllTime, err = hist.Accuracy(ctx, d.Slug, time.Time{}); err != nil {
		return s, fmt.Errorf("failed to read accuracy: %w", err)
	}
	return s, nil
}
