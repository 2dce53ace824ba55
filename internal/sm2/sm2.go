// Package sm2 implements the card state machine: an SM-2 derived
// transition function and an advisory grade suggestion.
package sm2

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/knoldeck/internal/domain"
)

const (
	AgainEasePenalty = 0.20
	HardEasePenalty  = 0.15
	EasyEaseBonus    = 0.15

	HardMultiplier = 1.2
	EasyMultiplier = 1.3

	// SeedIntervalDays is the interval given by the first Good on a new card.
	SeedIntervalDays = 1.0
	// EasySeedDays is the interval given by Easy on a card with no interval yet.
	EasySeedDays = 4.0
	// LearningThresholdDays is the interval a card must exceed on Good to
	// graduate into the review phase.
	LearningThresholdDays = 1.0
	// MaxIntervalDays caps growth at a hundred years.
	MaxIntervalDays = 36500.0

	// RelearnDelay is how long a forgotten card waits before it is due again.
	RelearnDelay = 10 * time.Minute

	day = 24 * time.Hour
)

var (
	ErrInvalidGrade    = domain.ErrInvalidGrade
	ErrNegativeElapsed = errors.New("negative elapsed time")
	ErrInvalidState    = errors.New("invalid learning state")
)

// Answer describes the attempt that led to a grade.
type Answer struct {
	Correct bool
	Elapsed time.Duration
	// Hinted is set when the answer was revealed or only matched leniently.
	Hinted bool
}

// Transition computes the state that follows grading s with g at now.
// It is pure: s is never modified and the result depends only on its inputs.
func Transition(s domain.LearningState, g domain.Grade, a Answer, now time.Time) (domain.LearningState, error) {
	if !g.IsValid() {
		return s, fmt.Errorf("%w: %d", ErrInvalidGrade, int(g))
	}
	if a.Elapsed < 0 {
		return s, fmt.Errorf("%w: %s", ErrNegativeElapsed, a.Elapsed)
	}
	if err := s.Validate(now); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	next := s
	next.Reps++
	reviewed := now
	next.LastReviewedAt = &reviewed

	switch g {
	case domain.Again:
		next.Phase = domain.PhaseLearning
		next.IntervalDays = 0
		next.EaseFactor = floorEase(s.EaseFactor - AgainEasePenalty)
		next.Lapses++
		due := now.Add(RelearnDelay)
		next.DueAt = &due
		return next, nil

	case domain.Hard:
		next.IntervalDays = atLeastOneDay(s.IntervalDays * HardMultiplier)
		next.EaseFactor = floorEase(s.EaseFactor - HardEasePenalty)
		next.Phase = advance(s.Phase)

	case domain.Good:
		if s.Phase == domain.PhaseNew {
			next.IntervalDays = SeedIntervalDays
		} else {
			next.IntervalDays = atLeastOneDay(s.IntervalDays * s.EaseFactor)
		}
		switch {
		case s.Phase == domain.PhaseReview || next.IntervalDays > LearningThresholdDays:
			next.Phase = domain.PhaseReview
		default:
			next.Phase = domain.PhaseLearning
		}

	case domain.Easy:
		if s.IntervalDays == 0 {
			next.IntervalDays = EasySeedDays
		} else {
			next.IntervalDays = atLeastOneDay(s.IntervalDays * s.EaseFactor * EasyMultiplier)
		}
		next.EaseFactor = roundEase(s.EaseFactor + EasyEaseBonus)
		next.Phase = domain.PhaseReview
	}

	due := NextDueDate(now, next.IntervalDays)
	next.DueAt = &due
	return next, nil
}

// NextDueDate schedules a review intervalDays after now.
func NextDueDate(now time.Time, intervalDays float64) time.Time {
	return now.Add(time.Duration(intervalDays * float64(day)))
}

func advance(p domain.Phase) domain.Phase {
	switch p {
	case domain.PhaseNew:
		return domain.PhaseLearning
	default:
		return domain.PhaseReview
	}
}

func floorEase(e float64) float64 {
	return math.Max(domain.MinEase, roundEase(e))
}

// roundEase drops float noise so repeated adjustments stay on 0.05 steps.
func roundEase(e float64) float64 {
	return math.Round(e*100) / 100
}

func atLeastOneDay(days float64) float64 {
	return math.Min(MaxIntervalDays, math.Max(1, math.Round(days)))
}
