// Package review runs a study session over a deck: it presents queued
// cards, scores typed answers, applies the chosen grades and commits the
// deck in batches.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/scheduler"
	"github.com/conorfennell/knoldeck/internal/sm2"
)

// State is the lifecycle stage of a session.
type State int

const (
	Idle State = iota
	InProgress
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotInProgress   = errors.New("session is not in progress")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrAlreadyAnswered = errors.New("card already answered")
	ErrNotAnswered     = errors.New("card has not been answered")
)

// Recorder durably stores review records.
type Recorder interface {
	Append(ctx context.Context, r domain.ReviewRecord) error
}

// Committer persists the deck the session is mutating.
type Committer interface {
	Commit(d *domain.Deck) error
}

// Options configure a session.
type Options struct {
	LenientThreshold int
	// AutosaveEvery commits after this many graded answers.
	AutosaveEvery int
	Suggest       sm2.SuggestPolicy
	// Practice leaves scheduling untouched: grades are neither applied
	// nor recorded and nothing is committed.
	Practice bool
	Now      func() time.Time
	Logger   *slog.Logger
}

// Result is the outcome of answering the current card.
type Result struct {
	Card      domain.Card
	Correct   bool
	Match     MatchKind
	Matched   string
	Distance  int
	Elapsed   time.Duration
	Suggested domain.Grade
}

// Summary totals a session.
type Summary struct {
	Reviewed  int
	Correct   int
	Incorrect int
	Revealed  int
	Remaining int
}

// Accuracy is the share of reviewed cards answered correctly, in percent.
func (s Summary) Accuracy() float64 {
	if s.Reviewed == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Reviewed) * 100
}

// Session is a single pass over a queue. It is not safe for concurrent use.
type Session struct {
	deck  *domain.Deck
	queue *scheduler.Queue
	rec   Recorder
	com   Committer
	opts  Options
	log   *slog.Logger

	state   State
	current domain.Card
	shownAt time.Time
	result  *Result
	pending int
	summary Summary
}

// New prepares a session over queue. deck is mutated in place as grades
// are applied and passed to com on every commit.
func New(deck *domain.Deck, queue *scheduler.Queue, rec Recorder, com Committer, opts Options) *Session {
	if opts.AutosaveEvery < 1 {
		opts.AutosaveEvery = 1
	}
	if opts.Suggest == (sm2.SuggestPolicy{}) {
		opts.Suggest = sm2.DefaultSuggestPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		deck:  deck,
		queue: queue,
		rec:   rec,
		com:   com,
		opts:  opts,
		log:   log.With("deck", deck.Slug),
	}
}

// State returns the lifecycle stage.
func (s *Session) State() State { return s.state }

// Len is the number of cards queued for the session.
func (s *Session) Len() int { return s.queue.Len() }

// Position is the 1-based index of the current card.
func (s *Session) Position() int { return s.queue.Len() - s.queue.Remaining() }

// Start presents the first card. An empty queue completes immediately.
func (s *Session) Start() error {
	if s.state != Idle {
		return ErrAlreadyStarted
	}
	s.state = InProgress
	s.log.Info("Review session started", "cards", s.queue.Len(), "practice", s.opts.Practice)
	return s.advance()
}

// Current returns the card being presented.
func (s *Session) Current() (domain.Card, bool) {
	if s.state != InProgress {
		return domain.Card{}, false
	}
	return s.current, true
}

// Check scores a typed answer for the current card. An empty answer is
// treated as Reveal.
func (s *Session) Check(answer string) (Result, error) {
	if err := s.answerable(); err != nil {
		return Result{}, err
	}
	if normalize(answer) == "" {
		return s.Reveal()
	}
	elapsed := s.opts.Now().Sub(s.shownAt)
	if elapsed < 0 {
		elapsed = 0
	}
	kind, matched, dist := Match(s.current, answer, s.opts.LenientThreshold)
	a := sm2.Answer{
		Correct: kind == MatchExact || kind == MatchLenient,
		Elapsed: elapsed,
		Hinted:  kind == MatchLenient,
	}
	r := Result{
		Card:      s.current,
		Correct:   a.Correct,
		Match:     kind,
		Matched:   matched,
		Distance:  dist,
		Elapsed:   elapsed,
		Suggested: sm2.Suggest(a, s.opts.Suggest),
	}
	s.result = &r
	return r, nil
}

// Reveal shows the answer without an attempt. It counts as incorrect and
// suggests Again.
func (s *Session) Reveal() (Result, error) {
	if err := s.answerable(); err != nil {
		return Result{}, err
	}
	r := Result{
		Card:      s.current,
		Match:     MatchRevealed,
		Matched:   s.current.Canonical(),
		Distance:  -1,
		Suggested: sm2.Suggest(sm2.Answer{}, s.opts.Suggest),
	}
	s.result = &r
	return r, nil
}

func (s *Session) answerable() error {
	if s.state != InProgress {
		return ErrNotInProgress
	}
	if s.result != nil {
		return ErrAlreadyAnswered
	}
	return nil
}

// Grade records the chosen grade for the answered card, applies it and
// moves on to the next card. Nothing is recorded for a grade that cannot
// be applied. The deck is committed every AutosaveEvery
// grades and when the queue runs out.
func (s *Session) Grade(ctx context.Context, g domain.Grade) error {
	if s.state != InProgress {
		return ErrNotInProgress
	}
	if s.result == nil {
		return ErrNotAnswered
	}
	if !g.IsValid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidGrade, int(g))
	}
	r := *s.result
	now := s.opts.Now()

	if !s.opts.Practice {
		record := domain.ReviewRecord{
			Deck:       s.deck.Slug,
			CardID:     r.Card.ID,
			Grade:      g,
			Suggested:  r.Suggested,
			Accepted:   g == r.Suggested,
			Correct:    r.Correct,
			Match:      string(r.Match),
			Latency:    r.Elapsed,
			ReviewedAt: now,
		}
		answer := sm2.Answer{Correct: r.Correct, Elapsed: r.Elapsed, Hinted: r.Match == MatchLenient}
		plan, err := scheduler.PlanGrade(s.deck, r.Card.ID, g, answer, now)
		if err != nil {
			return err
		}
		if s.rec != nil {
			if err := s.rec.Append(ctx, record); err != nil {
				return fmt.Errorf("failed to record review: %w", err)
			}
		}
		plan.Apply(s.deck)
		s.pending++
	}

	s.summary.Reviewed++
	switch {
	case r.Match == MatchRevealed:
		s.summary.Revealed++
	case r.Correct:
		s.summary.Correct++
	default:
		s.summary.Incorrect++
	}
	s.log.Debug("Card graded", "card_id", r.Card.ID, "grade", g, "suggested", r.Suggested, "match", r.Match)

	// The grade is applied either way, so move on even if saving failed.
	var saveErr error
	if s.pending >= s.opts.AutosaveEvery {
		saveErr = s.commit()
	}
	if err := s.advance(); err != nil {
		return errors.Join(saveErr, err)
	}
	return saveErr
}

func (s *Session) advance() error {
	s.result = nil
	card, ok := s.queue.Next()
	if !ok {
		s.current = domain.Card{}
		return s.end(Completed)
	}
	s.current = card
	s.shownAt = s.opts.Now()
	return nil
}

// Abort ends the session early, committing everything graded so far.
func (s *Session) Abort() error {
	if s.state == Completed || s.state == Aborted {
		return nil
	}
	return s.end(Aborted)
}

// Finish returns the session summary, completing the session first if it
// is still running.
func (s *Session) Finish() (Summary, error) {
	var err error
	if s.state == Idle || s.state == InProgress {
		err = s.end(Completed)
	}
	return s.summary, err
}

func (s *Session) end(state State) error {
	s.state = state
	s.summary.Remaining = s.queue.Remaining()
	if s.current.ID != "" {
		// The card on screen was never graded.
		s.summary.Remaining++
	}
	s.current = domain.Card{}
	s.result = nil
	err := s.commit()
	s.log.Info("Review session ended", "state", state.String(),
		"reviewed", s.summary.Reviewed, "correct", s.summary.Correct, "incorrect", s.summary.Incorrect)
	return err
}

func (s *Session) commit() error {
	if s.opts.Practice || s.com == nil {
		s.pending = 0
		return nil
	}
	if err := s.com.Commit(s.deck); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	s.pending = 0
	return nil
}
