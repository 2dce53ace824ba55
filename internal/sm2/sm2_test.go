package sm2_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/sm2"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func reviewState(interval, ease float64) domain.LearningState {
	due := now.Add(-time.Hour)
	last := now.Add(-time.Duration(interval) * 24 * time.Hour)
	return domain.LearningState{
		Phase:          domain.PhaseReview,
		IntervalDays:   interval,
		EaseFactor:     ease,
		DueAt:          &due,
		Reps:           3,
		LastReviewedAt: &last,
	}
}

func TestTransition_GoodMultipliesByEase(t *testing.T) {
	s := reviewState(6, 2.5)

	next, err := sm2.Transition(s, domain.Good, sm2.Answer{Correct: true}, now)
	require.NoError(t, err)

	assert.Equal(t, 15.0, next.IntervalDays, "6 * 2.5")
	assert.Equal(t, 2.5, next.EaseFactor)
	assert.Equal(t, domain.PhaseReview, next.Phase)
	require.NotNil(t, next.DueAt)
	assert.Equal(t, now.Add(15*24*time.Hour), *next.DueAt)
	require.NotNil(t, next.LastReviewedAt)
	assert.Equal(t, now, *next.LastReviewedAt)
	assert.Equal(t, 4, next.Reps)
}

func TestTransition_Again(t *testing.T) {
	s := reviewState(6, 2.5)

	next, err := sm2.Transition(s, domain.Again, sm2.Answer{}, now)
	require.NoError(t, err)

	assert.Equal(t, 0.0, next.IntervalDays)
	assert.Equal(t, 2.3, next.EaseFactor)
	assert.Equal(t, 1, next.Lapses)
	assert.Equal(t, domain.PhaseLearning, next.Phase)
	require.NotNil(t, next.DueAt)
	assert.Equal(t, now.Add(sm2.RelearnDelay), *next.DueAt)
}

func TestTransition_DoesNotModifyInput(t *testing.T) {
	s := reviewState(6, 2.5)
	due := *s.DueAt

	_, err := sm2.Transition(s, domain.Easy, sm2.Answer{Correct: true}, now)
	require.NoError(t, err)

	assert.Equal(t, 6.0, s.IntervalDays)
	assert.Equal(t, due, *s.DueAt)
	assert.Equal(t, 3, s.Reps)
}

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		name     string
		state    domain.LearningState
		grade    domain.Grade
		interval float64
		ease     float64
		phase    domain.Phase
		lapses   int
	}{
		{
			name:     "first good on new card uses seed interval",
			state:    domain.NewLearningState(),
			grade:    domain.Good,
			interval: 1,
			ease:     2.5,
			phase:    domain.PhaseLearning,
		},
		{
			name:     "hard on new card advances to learning",
			state:    domain.NewLearningState(),
			grade:    domain.Hard,
			interval: 1,
			ease:     2.35,
			phase:    domain.PhaseLearning,
		},
		{
			name:     "easy on new card graduates with easy seed",
			state:    domain.NewLearningState(),
			grade:    domain.Easy,
			interval: sm2.EasySeedDays,
			ease:     2.65,
			phase:    domain.PhaseReview,
		},
		{
			name:     "again on new card counts a lapse",
			state:    domain.NewLearningState(),
			grade:    domain.Again,
			interval: 0,
			ease:     2.3,
			phase:    domain.PhaseLearning,
			lapses:   1,
		},
		{
			name:     "hard on review card grows by 1.2",
			state:    reviewState(10, 2.5),
			grade:    domain.Hard,
			interval: 12,
			ease:     2.35,
			phase:    domain.PhaseReview,
		},
		{
			name:     "easy on review card",
			state:    reviewState(10, 2.5),
			grade:    domain.Easy,
			interval: 33, // 10 * 2.5 * 1.3 = 32.5
			ease:     2.65,
			phase:    domain.PhaseReview,
		},
		{
			name:     "ease never drops below floor",
			state:    reviewState(10, 1.35),
			grade:    domain.Again,
			interval: 0,
			ease:     1.3,
			phase:    domain.PhaseLearning,
			lapses:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := sm2.Transition(tt.state, tt.grade, sm2.Answer{Correct: tt.grade != domain.Again}, now)
			require.NoError(t, err)
			assert.Equal(t, tt.interval, next.IntervalDays)
			assert.InDelta(t, tt.ease, next.EaseFactor, 1e-9)
			assert.Equal(t, tt.phase, next.Phase)
			assert.Equal(t, tt.lapses, next.Lapses)
		})
	}
}

func TestTransition_LearningGraduatesOnGood(t *testing.T) {
	s := domain.NewLearningState()

	s, err := sm2.Transition(s, domain.Good, sm2.Answer{Correct: true}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLearning, s.Phase)

	later := s.DueAt.Add(time.Minute)
	s, err = sm2.Transition(s, domain.Good, sm2.Answer{Correct: true}, later)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseReview, s.Phase)
	assert.Equal(t, 3.0, s.IntervalDays, "round(1 * 2.5)")
}

func TestTransition_RejectsBadInput(t *testing.T) {
	s := reviewState(6, 2.5)

	_, err := sm2.Transition(s, domain.Grade(0), sm2.Answer{}, now)
	assert.ErrorIs(t, err, sm2.ErrInvalidGrade)

	_, err = sm2.Transition(s, domain.Grade(5), sm2.Answer{}, now)
	assert.ErrorIs(t, err, sm2.ErrInvalidGrade)

	_, err = sm2.Transition(s, domain.Good, sm2.Answer{Correct: true, Elapsed: -time.Second}, now)
	assert.ErrorIs(t, err, sm2.ErrNegativeElapsed)

	broken := s
	broken.EaseFactor = 1.0
	_, err = sm2.Transition(broken, domain.Good, sm2.Answer{Correct: true}, now)
	assert.ErrorIs(t, err, sm2.ErrInvalidState)

	broken = s
	broken.IntervalDays = -1
	_, err = sm2.Transition(broken, domain.Good, sm2.Answer{Correct: true}, now)
	assert.ErrorIs(t, err, sm2.ErrInvalidState)
}

func TestTransition_InvariantsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		s := domain.NewLearningState()
		at := now
		lapses := 0
		for step := 0; step < 50; step++ {
			g := domain.Grade(rng.Intn(4) + 1)
			next, err := sm2.Transition(s, g, sm2.Answer{Correct: g != domain.Again}, at)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, next.EaseFactor, domain.MinEase)
			assert.GreaterOrEqual(t, next.IntervalDays, 0.0)
			if g == domain.Again {
				lapses++
				assert.Equal(t, domain.PhaseLearning, next.Phase)
				assert.Equal(t, s.Lapses+1, next.Lapses)
			}
			assert.Equal(t, lapses, next.Lapses)
			require.NoError(t, next.Validate(at))

			s = next
			at = s.DueAt.Add(time.Duration(rng.Intn(48)) * time.Hour)
		}
	}
}

func TestSuggest(t *testing.T) {
	p := sm2.DefaultSuggestPolicy()

	tests := []struct {
		name   string
		answer sm2.Answer
		want   domain.Grade
	}{
		{"incorrect", sm2.Answer{Correct: false, Elapsed: time.Second}, domain.Again},
		{"fast", sm2.Answer{Correct: true, Elapsed: 2 * time.Second}, domain.Easy},
		{"normal", sm2.Answer{Correct: true, Elapsed: 5 * time.Second}, domain.Good},
		{"slow", sm2.Answer{Correct: true, Elapsed: 8 * time.Second}, domain.Hard},
		{"hinted", sm2.Answer{Correct: true, Elapsed: time.Second, Hinted: true}, domain.Hard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sm2.Suggest(tt.answer, p))
		})
	}
}
