package importer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/parser"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	deck := &domain.Deck{Slug: "birds", Name: "Birds"}
	_, err := deck.AddCard("robin", []string{"Erithacus rubecula"})
	require.NoError(t, err)

	tests := []struct {
		name        string
		file        string
		content     string
		wantAdded   int
		wantSkipped int
		wantErrs    int
	}{
		{
			name:      "tab separated",
			file:      "a.txt",
			content:   "wren\tTroglodytes troglodytes\nblackbird\tTurdus merula;merel\n",
			wantAdded: 2,
		},
		{
			name:        "duplicate is skipped",
			file:        "b.tsv",
			content:     "Robin\t erithacus rubecula \nsparrow\tPasser domesticus\n",
			wantAdded:   1,
			wantSkipped: 1,
		},
		{
			name:      "malformed lines are reported",
			file:      "c.txt",
			content:   "no tab here\nstarling\tSturnus vulgaris\n\tonly a back\n",
			wantAdded: 1,
			wantErrs:  2,
		},
		{
			name:      "markdown notes",
			file:      "d.md",
			content:   "Q: Latin for magpie?\nA: Pica pica\n---\nQ: unanswered\n",
			wantAdded: 1,
			wantErrs:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, filepath.Join(dir, tt.file), tt.content)
			res, err := ImportFile(deck, path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdded, res.Added)
			assert.Equal(t, tt.wantSkipped, res.Skipped)
			assert.Len(t, res.Errors, tt.wantErrs)
		})
	}
	assert.Len(t, deck.Cards, 6)
	assert.Equal(t, []string{"Turdus merula", "merel"}, deck.Cards[2].Backs)
}

func TestImportFileRejectsUnknownType(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "cards.csv"), "a,b\n")
	_, err := ImportFile(&domain.Deck{}, path)
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = ImportFile(&domain.Deck{}, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestImportDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.txt"), "a\t1\n")
	writeFile(t, filepath.Join(dir, "nested", "two.md"), "Q: b\nA: 2\n")
	writeFile(t, filepath.Join(dir, "nested", "readme.rst"), "ignored\tfile\n")
	writeFile(t, filepath.Join(dir, ".hidden", "three.txt"), "c\t3\n")

	deck := &domain.Deck{}
	res, err := ImportDir(deck, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Empty(t, res.Errors)

	again, err := ImportDir(deck, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Added)
	assert.Equal(t, 2, again.Skipped)
}

func TestImportGit(t *testing.T) {
	upstreamDir := t.TempDir()
	upstream, err := git.PlainInit(upstreamDir, false)
	require.NoError(t, err)
	writeFile(t, filepath.Join(upstreamDir, "capitals.txt"), "France\tParis\nSpain\tMadrid\n")
	wt, err := upstream.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("capitals.txt")
	require.NoError(t, err)
	_, err = wt.Commit("cards", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	deck := &domain.Deck{}
	res, err := ImportGit(deck, upstreamDir, filepath.Join(t.TempDir(), "repos"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, "Paris", deck.Cards[0].Canonical())
}

func TestExportFile(t *testing.T) {
	deck := &domain.Deck{}
	_, err := deck.AddCard("France", []string{"Paris"})
	require.NoError(t, err)
	_, err = deck.AddCard("Netherlands", []string{"Amsterdam", "The Hague"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, ExportFile(deck, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "France\tParis\nNetherlands\tAmsterdam;The Hague\n", string(data))

	entries, err := parser.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
