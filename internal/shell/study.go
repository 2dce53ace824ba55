package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/review"
	"github.com/conorfennell/knoldeck/internal/scheduler"
	"github.com/conorfennell/knoldeck/internal/sm2"
	"github.com/conorfennell/knoldeck/internal/stats"
)

const (
	quitAnswer   = ":q"
	revealAnswer = "tab"
	timeLayout   = "2006-01-02 15:04"
)

func (a *App) review(ctx context.Context) error {
	return a.runSession(ctx, false, 0)
}

func (a *App) practice(ctx context.Context, args []string) error {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("practice limit must be a positive number, got %q", args[0])
		}
		limit = n
	}
	return a.runSession(ctx, true, limit)
}

// runSession keeps the active deck locked until the session ends.
func (a *App) runSession(ctx context.Context, practice bool, limit int) error {
	slug, err := a.activeSlug()
	if err != nil {
		return err
	}
	h, err := a.ws.OpenDeck(slug)
	if err != nil {
		return describeOpenError(err)
	}
	defer h.Close()
	d, err := h.Load()
	if err != nil {
		return describeLoadError(err)
	}

	now := a.now()
	var cards []domain.Card
	if practice {
		cards = scheduler.PracticeOrder(d)
		if limit > 0 && len(cards) > limit {
			cards = cards[:limit]
		}
	} else {
		cards = scheduler.DueCards(d, now, scheduler.Caps{
			NewPerDay:     a.cfg.DailyNew,
			ReviewsPerDay: a.cfg.DailyReview,
		})
	}
	if len(cards) == 0 {
		if practice {
			a.println("No cards in this deck.")
			return nil
		}
		a.println("No cards due for review!")
		if next := scheduler.NextDue(d, now); next != nil {
			a.printf("Next card is due %s.\n", next.Local().Format(timeLayout))
		}
		return nil
	}

	var rec review.Recorder
	if a.rlog != nil {
		rec = a.rlog
	}
	s := review.New(d, scheduler.NewQueue(cards), rec, h, review.Options{
		LenientThreshold: a.cfg.LenientThreshold,
		AutosaveEvery:    a.cfg.AutosaveEvery,
		Suggest:          sm2.SuggestPolicy{Fast: a.cfg.SuggestFast, Slow: a.cfg.SuggestSlow},
		Practice:         practice,
		Now:              a.now,
		Logger:           a.log,
	})
	if err := s.Start(); err != nil {
		return err
	}
	if practice {
		a.printf("Practice: %d card(s), progress is not saved. Type %s to stop.\n", s.Len(), quitAnswer)
	} else {
		a.printf("Review: %d card(s) due. Press Enter or type %q to reveal, %s to stop.\n", s.Len(), revealAnswer, quitAnswer)
	}

	runErr := a.study(ctx, s)
	summary, finishErr := s.Finish()
	a.printSummary(summary, s.State())
	if !practice && summary.Reviewed > 0 {
		a.snapshot(fmt.Sprintf("review %s: %d card(s)", slug, summary.Reviewed))
	}
	if runErr != nil {
		return runErr
	}
	return finishErr
}

// study presents cards until the queue is empty or the user stops.
func (a *App) study(ctx context.Context, s *review.Session) error {
	for {
		card, ok := s.Current()
		if !ok {
			return nil
		}
		a.printf("\n--- Card %d/%d ---\n", s.Position(), s.Len())
		a.printf("Front: %s\n", card.Front)

		answer, err := a.ask(ctx, "Your answer: ")
		if err != nil {
			return a.stop(s, err)
		}
		if answer == quitAnswer {
			return a.stop(s, nil)
		}

		var grade domain.Grade
		if answer == "" || strings.EqualFold(answer, revealAnswer) {
			if _, err := s.Reveal(); err != nil {
				return err
			}
			a.printf("Expected: %s\n", card.BackText())
			a.println("Counted as: Again")
			grade = domain.Again
		} else {
			res, err := s.Check(answer)
			if err != nil {
				return err
			}
			a.printResult(res)
			if grade, err = a.askGrade(ctx, res.Suggested); err != nil {
				return a.stop(s, err)
			}
		}

		pos := s.Position()
		if err := s.Grade(ctx, grade); err != nil {
			if s.Position() == pos && s.State() == review.InProgress {
				// Nothing was applied.
				return errors.Join(err, s.Abort())
			}
			a.log.Warn("Progress not saved", "error", err)
			a.printf("Warning: %v\n", err)
		}
	}
}

func (a *App) printResult(res review.Result) {
	switch res.Match {
	case review.MatchExact:
		a.println("Correct!")
	case review.MatchLenient:
		a.printf("Correct, almost: %s\n", res.Matched)
	default:
		a.println("Incorrect.")
		a.printf("Expected: %s\n", res.Card.BackText())
	}
	a.printf("Suggested: [%d] %s\n", int(res.Suggested), res.Suggested)
}

// askGrade falls back to the suggestion on empty or invalid input.
func (a *App) askGrade(ctx context.Context, suggested domain.Grade) (domain.Grade, error) {
	line, err := a.ask(ctx, "Grade [1-4, Enter=suggested]: ")
	if err != nil {
		return 0, err
	}
	if line == "" {
		return suggested, nil
	}
	g, err := domain.ParseGrade(line)
	if err != nil {
		a.printf("Unknown grade %q, using %s.\n", line, suggested)
		return suggested, nil
	}
	return g, nil
}

// stop aborts the session after the input ended or was interrupted.
// Cancellation is passed on so that the shell exits.
func (a *App) stop(s *review.Session, cause error) error {
	abortErr := s.Abort()
	a.println("Session stopped.")
	if cause != nil && !errors.Is(cause, io.EOF) {
		return errors.Join(cause, abortErr)
	}
	return abortErr
}

func (a *App) printSummary(sum review.Summary, state review.State) {
	a.println()
	if state == review.Aborted {
		a.println("Session ended early.")
	} else {
		a.println("Session complete.")
	}
	a.printf("Reviewed: %d, accuracy %.0f%%\n", sum.Reviewed, sum.Accuracy())
	a.printf("  correct %d, incorrect %d, revealed %d\n", sum.Correct, sum.Incorrect, sum.Revealed)
	if sum.Remaining > 0 {
		a.printf("Remaining: %d\n", sum.Remaining)
	}
}

func (a *App) stats(ctx context.Context) error {
	d, err := a.readDeck()
	if err != nil {
		return err
	}
	var hist stats.History
	if a.rlog != nil {
		hist = a.rlog
	}
	now := a.now()
	st, err := stats.Compute(ctx, d, hist, now)
	if err != nil {
		return err
	}

	a.printf("Deck: %s\n", d.Name)
	a.printf("Cards: %d (new %d, learning %d, review %d, mature %d)\n",
		st.Total, st.New, st.Learning, st.Review, st.Mature)
	a.printf("Due now: %d\n", st.DueNow)
	if st.NextDue != nil {
		a.printf("Next due: %s\n", st.NextDue.Local().Format(timeLayout))
	}
	a.printf("Today: %d new of %d, %d reviews of %d\n",
		st.NewToday, a.cfg.DailyNew, st.ReviewsToday, a.cfg.DailyReview)
	if hist != nil {
		a.printf("Accuracy: 7d %s, 30d %s, all time %s\n",
			formatAccuracy(st.Week.Total, st.Week.Percent()),
			formatAccuracy(st.Month.Total, st.Month.Percent()),
			formatAccuracy(st.AllTime.Total, st.AllTime.Percent()))
	}
	if len(st.Hardest) > 0 {
		a.println("Hardest cards:")
		for _, hc := range st.Hardest {
			a.printf("  %s → %s (difficulty %.2f)\n", hc.Card.Front, hc.Card.BackText(), hc.Difficulty)
		}
	}
	return nil
}

func formatAccuracy(total int, percent float64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%% of %d", percent, total)
}
