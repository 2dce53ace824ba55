package storage

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Spanish", "spanish"},
		{"  Spanish Verbs ", "spanish-verbs"},
		{"C++ / Go!", "c-go"},
		{"Año 2024", "año-2024"},
		{"---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestWorkspaceDecks(t *testing.T) {
	ws := newTestWorkspace(t)

	slug, err := ws.CreateDeck("World Capitals")
	require.NoError(t, err)
	assert.Equal(t, "world-capitals", slug)

	_, err = ws.CreateDeck("world capitals")
	assert.ErrorIs(t, err, ErrDeckExists)
	_, err = ws.CreateDeck("  !! ")
	assert.ErrorIs(t, err, ErrInvalidDeck)

	newDeckWithCards(t, ws, "Birds", [2]string{"robin", "Erithacus rubecula"})

	decks, err := ws.ListDecks()
	require.NoError(t, err)
	require.Len(t, decks, 2)
	assert.Equal(t, "Birds", decks[0].Name)
	assert.Equal(t, 1, decks[0].Cards)
	assert.Equal(t, "World Capitals", decks[1].Name)

	got, err := ws.Resolve("WORLD CAPITALS")
	require.NoError(t, err)
	assert.Equal(t, slug, got)
	got, err = ws.Resolve("birds")
	require.NoError(t, err)
	assert.Equal(t, "birds", got)
	_, err = ws.Resolve("fish")
	assert.ErrorIs(t, err, ErrDeckNotFound)
}

func TestActiveDeckFollowsRenameAndDelete(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "Birds", [2]string{"robin", "Erithacus rubecula"})

	active, err := ws.ActiveDeck()
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, ws.SetActiveDeck(slug))
	assert.ErrorIs(t, ws.SetActiveDeck("missing"), ErrDeckNotFound)

	newSlug, err := ws.RenameDeck("birds", "Garden Birds")
	require.NoError(t, err)
	assert.Equal(t, "garden-birds", newSlug)
	active, err = ws.ActiveDeck()
	require.NoError(t, err)
	assert.Equal(t, newSlug, active)

	h, err := ws.OpenDeck(newSlug)
	require.NoError(t, err)
	deck, err := h.Load()
	require.NoError(t, err)
	assert.Equal(t, "Garden Birds", deck.Name)
	assert.Len(t, deck.Cards, 1)
	require.NoError(t, h.Close())

	_, err = ws.DeleteDeck(newSlug, false, false)
	assert.ErrorIs(t, err, ErrDeckNotEmpty)

	backup, err := ws.DeleteDeck(newSlug, true, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), BackupsDirName), filepath.Dir(backup))

	zr, err := zip.OpenReader(backup)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"garden-birds/cards.txt", "garden-birds/state.json"}, names)

	active, err = ws.ActiveDeck()
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.NoDirExists(t, ws.DeckDir(newSlug))
}

func TestDeleteLockedDeck(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "Birds")

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)
	defer h.Close()

	_, err = ws.DeleteDeck(slug, true, false)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.DirExists(t, ws.DeckDir(slug))
}

func TestRenameLockedDeck(t *testing.T) {
	ws := newTestWorkspace(t)
	slug := newDeckWithCards(t, ws, "Birds", [2]string{"robin", "Erithacus rubecula"})

	h, err := ws.OpenDeck(slug)
	require.NoError(t, err)

	_, err = ws.RenameDeck(slug, "Garden Birds")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.DirExists(t, ws.DeckDir(slug))
	assert.NoDirExists(t, ws.DeckDir("garden-birds"))
	require.NoError(t, h.Close())

	newSlug, err := ws.RenameDeck(slug, "Garden Birds")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.DeckDir(newSlug), lockFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist), "rename releases the moved lock")
}
