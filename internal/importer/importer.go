// Package importer adds cards from text files, note folders and git
// repositories to a deck, and exports a deck back to card text.
package importer

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/gitsource"
	"github.com/conorfennell/knoldeck/internal/parser"
	"github.com/conorfennell/knoldeck/internal/storage"
)

var ErrUnsupportedFile = errors.New("unsupported file type")

// Result summarises an import.
type Result struct {
	Added   int
	Skipped int
	Errors  []error
}

func (r *Result) merge(o Result) {
	r.Added += o.Added
	r.Skipped += o.Skipped
	r.Errors = append(r.Errors, o.Errors...)
}

// Supported reports whether path has an extension the importer reads.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".tsv", ".md":
		return true
	}
	return false
}

// ImportFile adds the cards in path to d. Tab separated files (.txt, .tsv)
// and Q:/A: notes (.md) are accepted. Malformed lines and cards already in
// the deck are skipped; the returned error is reserved for unreadable files.
func ImportFile(d *domain.Deck, path string) (Result, error) {
	if !Supported(path) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var (
		entries []parser.Entry
		errs    []error
	)
	if strings.EqualFold(filepath.Ext(path), ".md") {
		entries, errs = parser.ParseMarkdown(f)
	} else {
		entries, errs = parser.ParseLenient(f)
	}

	var res Result
	for _, err := range errs {
		res.Errors = append(res.Errors, fmt.Errorf("parsing %s: %w", path, err))
	}
	for _, e := range entries {
		if err := addEntry(d, e); err != nil {
			if errors.Is(err, domain.ErrDuplicateCard) {
				res.Skipped++
				continue
			}
			res.Errors = append(res.Errors, fmt.Errorf("%s:%d: %w", path, e.Line, err))
			continue
		}
		res.Added++
	}

	slog.Info("File imported",
		"deck", d.Slug,
		"path", path,
		"added", res.Added,
		"skipped", res.Skipped,
		"errors", len(res.Errors),
	)
	return res, nil
}

func addEntry(d *domain.Deck, e parser.Entry) error {
	if !parser.ValidField(e.Front) {
		return fmt.Errorf("front contains a tab or line break")
	}
	for _, b := range e.Backs {
		if !parser.ValidField(b) {
			return fmt.Errorf("answer contains a tab or line break")
		}
	}
	_, err := d.AddCard(e.Front, e.Backs)
	return err
}

// ImportDir walks dir and imports every supported file. Hidden
// directories such as .git are not descended into.
func ImportDir(d *domain.Deck, dir string) (Result, error) {
	var res Result
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != dir && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}
		fileRes, err := ImportFile(d, path)
		if err != nil {
			res.Errors = append(res.Errors, err)
			return nil
		}
		res.merge(fileRes)
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("failed to walk %s: %w", dir, walkErr)
	}
	return res, nil
}

// ImportGit clones or updates repoURL below reposDir and imports the
// cards in its working tree.
func ImportGit(d *domain.Deck, repoURL, reposDir string) (Result, error) {
	localPath, err := gitsource.LocalPath(reposDir, repoURL)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create repos directory: %w", err)
	}
	if err := gitsource.Sync(repoURL, localPath, nil); err != nil {
		return Result{}, err
	}
	return ImportDir(d, localPath)
}

// ExportFile writes d's cards to path in card text format.
func ExportFile(d *domain.Deck, path string) error {
	entries := make([]parser.Entry, len(d.Cards))
	for i, c := range d.Cards {
		entries[i] = parser.Entry{Front: c.Front, Backs: c.Backs}
	}
	if err := storage.WriteFileAtomic(path, parser.Format(entries), 0o644); err != nil {
		return err
	}
	slog.Info("Deck exported", "deck", d.Slug, "path", path, "cards", len(entries))
	return nil
}
