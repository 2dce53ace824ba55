package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knoldeck/internal/domain"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), OpenOptions{Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return ws
}

func newDeckWithCards(t *testing.T, ws *Workspace, name string, cards ...[2]string) string {
	t.Helper()
	slug, err := ws.CreateDeck(name)
	require.NoError(t, err)

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()
	deck, err := h.Load()
	require.NoError(t, err)
	for _, c := range cards {
		_, err := deck.AddCard(c[0], strings.Split(c[1], ";"))
		require.NoError(t, err)
	}
	require.NoError(t, h.Commit(deck))
	return slug
}

func TestCommitLoadRoundTrip(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "Spanish Verbs",
		[2]string{"hablar", "to speak;to talk"},
		[2]string{"comer", "to eat"},
		[2]string{"vivir", "to live"},
	)
	assert.Equal(t, "spanish-verbs", slug)

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()

	deck, err := h.Load()
	require.NoError(t, err)
	require.Len(t, deck.Cards, 3)

	due := testNow.Add(72 * time.Hour)
	last := testNow
	deck.Cards[1].State = domain.LearningState{
		Phase:          domain.PhaseReview,
		IntervalDays:   3,
		EaseFactor:     2.36,
		DueAt:          &due,
		Lapses:         1,
		Reps:           4,
		LastReviewedAt: &last,
	}
	deck.Counters = domain.DailyCounters{Day: "2024-03-10", NewIntroduced: 2, Reviewed: 5}
	require.NoError(t, h.Commit(deck))

	again, err := h.Load()
	require.NoError(t, err)
	assert.Equal(t, "Spanish Verbs", again.Name)
	assert.Equal(t, deck.Counters, again.Counters)
	require.Len(t, again.Cards, 3)
	for i := range deck.Cards {
		assert.Equal(t, deck.Cards[i].ID, again.Cards[i].ID)
		assert.Equal(t, deck.Cards[i].Front, again.Cards[i].Front)
		assert.Equal(t, deck.Cards[i].Backs, again.Cards[i].Backs)
		assert.Equal(t, deck.Cards[i].Hash, again.Cards[i].Hash)
	}
	got := again.Cards[1].State
	assert.Equal(t, domain.PhaseReview, got.Phase)
	assert.Equal(t, 3.0, got.IntervalDays)
	assert.Equal(t, 2.36, got.EaseFactor)
	assert.True(t, due.Equal(*got.DueAt))
	assert.Equal(t, 1, got.Lapses)
	assert.Equal(t, 4, got.Reps)

	data, err := os.ReadFile(filepath.Join(h.Dir(), CardsFileName))
	require.NoError(t, err)
	assert.Equal(t, "hablar\tto speak;to talk\ncomer\tto eat\nvivir\tto live\n", string(data))
}

func TestCommitSkipsUnchangedCardsFile(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo", [2]string{"capital of France", "Paris"})

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()
	deck, err := h.Load()
	require.NoError(t, err)

	cardsPath := filepath.Join(h.Dir(), CardsFileName)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(cardsPath, old, old))

	deck.Counters.Reviewed++
	require.NoError(t, h.Commit(deck))

	info, err := os.Stat(cardsPath)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "cards file should not be rewritten")
}

func TestOpenTwiceFailsWithLockHeld(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo")

	first, err := ws.OpenDeck(slug)
	require.NoError(t, err)

	_, err = ws.OpenDeck(slug)
	require.ErrorIs(t, err, ErrLockHeld)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.Owner.PID)
	assert.False(t, held.Stale)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "close is idempotent")

	second, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStaleLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deck")
	require.NoError(t, os.Mkdir(dir, 0o755))

	dead := func(LockOwner) bool { return false }
	orphan, err := acquireLock(dir, dead)
	require.NoError(t, err)
	_ = orphan // simulates a crashed holder that never released

	t.Run("reported without BreakStale", func(t *testing.T) {
		_, err := Open(dir, OpenOptions{Liveness: dead})
		var held *LockHeldError
		require.ErrorAs(t, err, &held)
		assert.True(t, held.Stale)
	})

	t.Run("live owner is never broken", func(t *testing.T) {
		alive := func(LockOwner) bool { return true }
		_, err := Open(dir, OpenOptions{Liveness: alive, BreakStale: true})
		require.ErrorIs(t, err, ErrLockHeld)
		assert.ErrorIs(t, BreakLock(dir, alive), ErrLockHeld)
	})

	t.Run("broken with BreakStale", func(t *testing.T) {
		h, err := Open(dir, OpenOptions{Liveness: dead, BreakStale: true})
		require.NoError(t, err)
		require.NoError(t, h.Close())
		_, err = os.Stat(filepath.Join(dir, lockFileName))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestBreakLockSparesNewOwner(t *testing.T) {
	dir := t.TempDir()
	dead := func(LockOwner) bool { return false }
	_, err := acquireLock(dir, dead)
	require.NoError(t, err)

	path := filepath.Join(dir, lockFileName)
	beforeLockClaim = func() {
		// The stale holder is cleaned up and a new session locks the deck.
		require.NoError(t, os.Remove(path))
		require.NoError(t, os.WriteFile(path, []byte(`{"pid":4242,"host":"elsewhere"}`), 0o644))
	}
	t.Cleanup(func() { beforeLockClaim = nil })

	err = BreakLock(dir, dead)
	require.ErrorIs(t, err, ErrLockHeld)

	owner, err := readOwner(path)
	require.NoError(t, err, "the new lock is put back")
	assert.Equal(t, 4242, owner.PID)

	leftovers, err := filepath.Glob(path + ".broken-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	beforeLockClaim = nil
	require.NoError(t, BreakLock(dir, dead))
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := acquireLock(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(lock.path, []byte(`{"pid":1,"host":"elsewhere"}`), 0o644))
	require.NoError(t, lock.release())
	_, err = os.Stat(lock.path)
	assert.NoError(t, err, "lock re-taken by another owner must survive release")
}

func TestInterruptedCommit(t *testing.T) {
	failRenameOf := func(name string) func(string, string) error {
		return func(from, to string) error {
			if name == "" || filepath.Base(to) == name {
				return errors.New("power cut")
			}
			return os.Rename(from, to)
		}
	}

	tests := []struct {
		name       string
		rename     func(string, string) error
		wantErr    bool
		wantBacks  []string
		wantSwitch bool
	}{
		{name: "every rename fails", rename: failRenameOf(""), wantErr: true, wantBacks: []string{"Lima"}},
		{name: "state file rename fails", rename: failRenameOf(StateFileName), wantErr: true, wantBacks: []string{"Lima"}},
		{name: "card file rename fails", rename: failRenameOf(CardsFileName), wantBacks: []string{"Lima", "Ciudad de los Reyes"}, wantSwitch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newTestWorkspace(t)
			slug := newDeckWithCards(t, ws, "geo", [2]string{"capital of Peru", "Lima"})

			h, err := ws.OpenDeck(slug)
			require.NoError(t, err)
			defer h.Close()

			deck, err := h.Load()
			require.NoError(t, err)
			due := testNow.Add(8 * 24 * time.Hour)
			learned := domain.LearningState{Phase: domain.PhaseReview, IntervalDays: 8, EaseFactor: 2.5, DueAt: &due, Reps: 3}
			deck.Cards[0].State = learned
			require.NoError(t, h.Commit(deck))
			id := deck.Cards[0].ID

			statePath := filepath.Join(h.Dir(), StateFileName)
			stateBefore, err := os.ReadFile(statePath)
			require.NoError(t, err)

			_, err = deck.EditCard(id, "capital of Peru", []string{"Lima", "Ciudad de los Reyes"})
			require.NoError(t, err)

			renameFile = tt.rename
			err = h.Commit(deck)
			renameFile = os.Rename
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIOFailure)
				var ioErr *IOError
				require.ErrorAs(t, err, &ioErr)
				assert.FileExists(t, ioErr.Temp)
				stateAfter, err := os.ReadFile(statePath)
				require.NoError(t, err)
				assert.Equal(t, stateBefore, stateAfter)
			} else {
				require.NoError(t, err)
			}

			reloaded, err := h.Load()
			require.NoError(t, err)
			require.Len(t, reloaded.Cards, 1)
			got := reloaded.Cards[0]
			assert.Equal(t, id, got.ID)
			assert.Equal(t, tt.wantBacks, got.Backs)
			assert.Equal(t, 8.0, got.State.IntervalDays)
			assert.Equal(t, 3, got.State.Reps)

			if tt.wantSwitch {
				data, err := os.ReadFile(filepath.Join(h.Dir(), CardsFileName))
				require.NoError(t, err)
				assert.Equal(t, "capital of Peru\tLima;Ciudad de los Reyes\n", string(data))
			}
		})
	}
}

func TestLoadRejectsCorruptState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, dir string)
	}{
		{
			name: "unparsable json",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("{not json"), 0o644))
			},
		},
		{
			name: "negative interval",
			mutate: func(t *testing.T, dir string) {
				rewriteState(t, dir, func(s string) string {
					return strings.Replace(s, `"interval_days": 0`, `"interval_days": -3`, 1)
				})
			},
		},
		{
			name: "ease below floor",
			mutate: func(t *testing.T, dir string) {
				rewriteState(t, dir, func(s string) string {
					return strings.Replace(s, `"ease_factor": 2.5`, `"ease_factor": 0.9`, 1)
				})
			},
		},
		{
			name: "card line without tab",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, CardsFileName), []byte("no tab here\n"), 0o644))
			},
		},
		{
			name: "missing state file",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, StateFileName)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newTestWorkspace(t)
			slug := newDeckWithCards(t, ws, "geo", [2]string{"capital of Peru", "Lima"})
			tt.mutate(t, ws.DeckDir(slug))

			h, err := ws.OpenDeck(slug)
			require.NoError(t, err)
			defer h.Close()

			_, err = h.Load()
			require.ErrorIs(t, err, ErrCorruptState)
			var corrupt *CorruptStateError
			require.ErrorAs(t, err, &corrupt)
			assert.NotEmpty(t, corrupt.Path)
			assert.False(t, corrupt.Mismatch)
		})
	}
}

func rewriteState(t *testing.T, dir string, edit func(string) string) {
	t.Helper()
	path := filepath.Join(dir, StateFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := edit(string(data))
	require.NotEqual(t, string(data), edited, "edit did not apply")
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))
}

func TestDigestMismatchAndReconcile(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo",
		[2]string{"capital of Peru", "Lima"},
		[2]string{"capital of Chile", "Santiago"},
	)

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()

	before, err := h.Load()
	require.NoError(t, err)
	due := testNow.Add(24 * time.Hour)
	before.Cards[1].State = domain.LearningState{Phase: domain.PhaseReview, IntervalDays: 1, EaseFactor: 2.5, DueAt: &due, Reps: 1}
	require.NoError(t, h.Commit(before))

	// Edited by hand: first card dropped, a new one appended.
	hand := "capital of Chile\tSantiago\ncapital of Bolivia\tSucre;La Paz\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir(), CardsFileName), []byte(hand), 0o644))

	_, err = h.Load()
	var corrupt *CorruptStateError
	require.ErrorAs(t, err, &corrupt)
	assert.True(t, corrupt.Mismatch)

	deck, err := h.LoadWith(LoadOptions{Reconcile: true})
	require.NoError(t, err)
	require.Len(t, deck.Cards, 2)

	assert.Equal(t, before.Cards[1].ID, deck.Cards[0].ID)
	assert.Equal(t, domain.PhaseReview, deck.Cards[0].State.Phase)
	assert.Equal(t, "capital of Bolivia", deck.Cards[1].Front)
	assert.Equal(t, []string{"Sucre", "La Paz"}, deck.Cards[1].Backs)
	assert.Equal(t, domain.PhaseNew, deck.Cards[1].State.Phase)
	assert.NotEmpty(t, deck.Cards[1].ID)

	require.NoError(t, h.Commit(deck))
	_, err = h.Load()
	assert.NoError(t, err)
}

func TestCommitRejectsInvalidDeck(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo", [2]string{"a", "b"})

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()
	deck, err := h.Load()
	require.NoError(t, err)

	deck.Cards[0].Front = "has\ttab"
	assert.ErrorIs(t, h.Commit(deck), ErrInvalidDeck)

	deck.Cards[0].Front = "a"
	deck.Cards[0].State.EaseFactor = 1.0
	assert.ErrorIs(t, h.Commit(deck), ErrInvalidDeck)
}

func TestClosedHandle(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo")

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = h.Load()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Commit(&domain.Deck{}), ErrClosed)
}

func TestOpenMissingDeck(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), OpenOptions{})
	assert.ErrorIs(t, err, ErrDeckNotFound)
}

func TestMoveKeepsLock(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo", [2]string{"capital of Peru", "Lima"})
	other := newDeckWithCards(t, ws, "taken")

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Move(ws.DeckDir(other)), ErrDeckExists)
	assert.DirExists(t, ws.DeckDir(slug))

	require.NoError(t, h.Move(ws.DeckDir("geography")))
	assert.NoDirExists(t, ws.DeckDir(slug))
	assert.Equal(t, ws.DeckDir("geography"), h.Dir())

	_, err = ws.OpenDeck("geography")
	assert.ErrorIs(t, err, ErrLockHeld, "the lock moves with the directory")

	deck, err := h.Load()
	require.NoError(t, err)
	require.NoError(t, h.Commit(deck))
	require.NoError(t, h.Close())

	_, err = os.Stat(filepath.Join(ws.DeckDir("geography"), lockFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	reopened, err := ws.OpenDeck("geography")
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestRemoveUnderLock(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "geo", [2]string{"capital of Peru", "Lima"})

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	require.NoError(t, h.Remove())
	require.NoError(t, h.Close(), "close after remove is a no-op")
	assert.ErrorIs(t, h.Remove(), ErrClosed)

	_, err = ws.OpenDeck(slug)
	assert.ErrorIs(t, err, ErrDeckNotFound)

	entries, err := os.ReadDir(filepath.Dir(ws.DeckDir(slug)))
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is left behind in the decks directory")

	decks, err := ws.ListDecks()
	require.NoError(t, err)
	assert.Empty(t, decks)
}
