package storage

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/conorfennell/knoldeck/internal/domain"
)

const (
	DecksDirName   = "decks"
	BackupsDirName = "backups"
	ActiveDeckFile = "active_deck.txt"

	dirPerm = 0o755
)

// Workspace is the data directory holding every deck.
type Workspace struct {
	root string
	opts OpenOptions
	log  *slog.Logger
}

// DeckInfo summarises a deck without keeping it open.
type DeckInfo struct {
	Slug   string
	Name   string
	Cards  int
	Active bool
	Locked bool
	// Err is set when the deck could not be read for the summary.
	Err error
}

// NewWorkspace prepares root for use. opts are applied to every deck
// opened through the workspace.
func NewWorkspace(root string, opts OpenOptions) (*Workspace, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Join(root, DecksDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Workspace{root: root, opts: opts, log: opts.Logger}, nil
}

// Root returns the data directory.
func (w *Workspace) Root() string { return w.root }

// DeckDir returns the directory of the deck with the given slug.
func (w *Workspace) DeckDir(slug string) string {
	return filepath.Join(w.root, DecksDirName, slug)
}

// OpenDeck locks the deck with the given slug.
func (w *Workspace) OpenDeck(slug string) (*Handle, error) {
	return Open(w.DeckDir(slug), w.opts)
}

// Slugify turns a display name into a directory name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// CreateDeck creates an empty deck. Names are unique case-insensitively.
func (w *Workspace) CreateDeck(name string) (string, error) {
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if slug == "" {
		return "", fmt.Errorf("%w: invalid deck name %q", ErrInvalidDeck, name)
	}
	if _, err := w.Resolve(name); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDeckExists, name)
	}
	dir := w.DeckDir(slug)
	if err := os.Mkdir(dir, dirPerm); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrDeckExists, slug)
		}
		return "", fmt.Errorf("failed to create deck directory: %w", err)
	}

	h, err := w.OpenDeck(slug)
	if err != nil {
		return "", err
	}
	defer h.Close()
	now := w.opts.Now()
	deck := &domain.Deck{Slug: slug, Name: name, CreatedAt: now.UTC(), Counters: domain.DailyCounters{}.For(now)}
	if err := h.Commit(deck); err != nil {
		return "", err
	}
	w.log.Info("Deck created", "deck", slug)
	return slug, nil
}

// ListDecks summarises every deck, sorted by name.
func (w *Workspace) ListDecks() ([]DeckInfo, error) {
	entries, err := os.ReadDir(filepath.Join(w.root, DecksDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	active, _ := w.ActiveDeck()

	var out []DeckInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info := DeckInfo{Slug: e.Name(), Name: e.Name(), Active: e.Name() == active}
		if _, locked := Inspect(w.DeckDir(e.Name()), w.opts.Liveness); locked {
			info.Locked = true
		}
		name, cards, err := peek(w.DeckDir(e.Name()))
		if err != nil {
			info.Err = err
		} else {
			if name != "" {
				info.Name = name
			}
			info.Cards = cards
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// peek reads the display name and card count without taking the lock.
func peek(dir string) (string, int, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return "", 0, err
	}
	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", 0, &CorruptStateError{Path: filepath.Join(dir, StateFileName), Reason: "unparsable state file", Err: err}
	}
	return doc.DisplayName, len(doc.Order), nil
}

// Resolve finds a deck slug by display name or slug, ignoring case.
func (w *Workspace) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty name", ErrDeckNotFound)
	}
	decks, err := w.ListDecks()
	if err != nil {
		return "", err
	}
	for _, d := range decks {
		if strings.EqualFold(d.Slug, ref) || strings.EqualFold(d.Name, ref) {
			return d.Slug, nil
		}
	}
	if slug := Slugify(ref); slug != "" {
		for _, d := range decks {
			if d.Slug == slug {
				return d.Slug, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDeckNotFound, ref)
}

// RenameDeck changes a deck's display name and moves its directory to the
// matching slug. The active deck selector follows the rename.
func (w *Workspace) RenameDeck(ref, newName string) (string, error) {
	slug, err := w.Resolve(ref)
	if err != nil {
		return "", err
	}
	newName = strings.TrimSpace(newName)
	newSlug := Slugify(newName)
	if newSlug == "" {
		return "", fmt.Errorf("%w: invalid deck name %q", ErrInvalidDeck, newName)
	}
	if other, err := w.Resolve(newName); err == nil && other != slug {
		return "", fmt.Errorf("%w: %s", ErrDeckExists, newName)
	}

	h, err := w.OpenDeck(slug)
	if err != nil {
		return "", err
	}
	defer h.Close()
	deck, err := h.Load()
	if err != nil {
		return "", err
	}
	deck.Name = newName
	if err := h.Commit(deck); err != nil {
		return "", err
	}

	if newSlug != slug {
		if err := h.Move(w.DeckDir(newSlug)); err != nil {
			return "", fmt.Errorf("failed to rename deck directory: %w", err)
		}
		if active, _ := w.ActiveDeck(); active == slug {
			if err := w.SetActiveDeck(newSlug); err != nil {
				return "", err
			}
		}
	}
	w.log.Info("Deck renamed", "from", slug, "to", newSlug)
	return newSlug, nil
}

// DeleteDeck removes a deck. A deck with cards is only removed when force
// is set. When backup is set a zip of the deck is written to the backups
// directory first and its path returned.
func (w *Workspace) DeleteDeck(ref string, force, backup bool) (string, error) {
	slug, err := w.Resolve(ref)
	if err != nil {
		return "", err
	}
	h, err := w.OpenDeck(slug)
	if err != nil {
		return "", err
	}
	defer h.Close()
	_, cards, err := peek(w.DeckDir(slug))
	if err != nil && !errors.Is(err, ErrCorruptState) && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if cards > 0 && !force {
		return "", fmt.Errorf("%w: %s has %d cards", ErrDeckNotEmpty, slug, cards)
	}

	var backupPath string
	if backup {
		if backupPath, err = w.BackupDeck(slug); err != nil {
			return "", err
		}
	}
	if err := h.Remove(); err != nil {
		return "", fmt.Errorf("failed to delete deck: %w", err)
	}
	if active, _ := w.ActiveDeck(); active == slug {
		if err := w.SetActiveDeck(""); err != nil {
			return "", err
		}
	}
	w.log.Info("Deck deleted", "deck", slug, "backup", backupPath)
	return backupPath, nil
}

// BackupDeck zips a deck's files into the backups directory.
func (w *Workspace) BackupDeck(slug string) (string, error) {
	dir := filepath.Join(w.root, BackupsDirName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.zip", slug, w.opts.Now().Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range []string{CardsFileName, StateFileName} {
		if err := addToZip(zw, filepath.Join(w.DeckDir(slug), name), slug+"/"+name); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish backup: %w", err)
	}
	return path, f.Sync()
}

func addToZip(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

// ActiveDeck returns the slug of the selected deck, or "" when none is.
func (w *Workspace) ActiveDeck() (string, error) {
	data, err := os.ReadFile(filepath.Join(w.root, ActiveDeckFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active deck: %w", err)
	}
	slug := strings.TrimSpace(string(data))
	if slug == "" {
		return "", nil
	}
	if _, err := os.Stat(w.DeckDir(slug)); err != nil {
		return "", nil
	}
	return slug, nil
}

// SetActiveDeck persists the deck selection. An empty slug clears it.
func (w *Workspace) SetActiveDeck(slug string) error {
	if slug != "" {
		if _, err := os.Stat(w.DeckDir(slug)); err != nil {
			return fmt.Errorf("%w: %s", ErrDeckNotFound, slug)
		}
	}
	return WriteFileAtomic(filepath.Join(w.root, ActiveDeckFile), []byte(slug+"\n"), filePerm)
}
