// Package migration moves a whole data directory between machines as a
// single zip bundle.
//
// A bundle holds export_metadata.json, settings.yaml, active_deck.txt and
// decks/<slug>/{cards.txt,state.json}.
package migration

import (
	"archive/zip"
	"bytes"
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

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/knoldeck/internal/config"
	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/parser"
	"github.com/conorfennell/knoldeck/internal/storage"
)

const (
	MetadataFile  = "export_metadata.json"
	ExportVersion = "1.0"

	maxEntrySize = 64 << 20
)

// AppVersion is recorded in exported bundles.
var AppVersion = "1.0.0"

var (
	ErrInvalidBundle       = errors.New("invalid export file")
	ErrIncompatibleVersion = errors.New("incompatible export version")
)

var now = time.Now

var validate = validator.New(validator.WithRequiredStructEnabled())

// Metadata describes a bundle.
type Metadata struct {
	ExportVersion string    `json:"export_version" validate:"required"`
	AppVersion    string    `json:"app_version" validate:"required"`
	ExportedAt    time.Time `json:"export_timestamp" validate:"required"`
	DeckCount     int       `json:"deck_count"`
	TotalCards    int       `json:"total_cards"`
	DeckNames     []string  `json:"deck_names"`
}

// Options control how a bundle is applied.
type Options struct {
	// Merge keeps existing decks. Without it all current decks are backed
	// up and replaced by the bundle.
	Merge bool
	// Overwrite replaces decks and settings that already exist.
	Overwrite bool
}

// Result summarises an import.
type Result struct {
	DecksImported    int
	DecksSkipped     int
	TotalCards       int
	SettingsImported bool
	// Backup is the bundle written before existing data was replaced.
	Backup string
	Errors []error
}

// Export writes every deck, the settings and the active deck selection to
// a bundle at out. Each deck is locked while its files are read.
func Export(ws *storage.Workspace, out string) (Metadata, error) {
	return export(ws, out, nil)
}

// export writes the bundle. Decks in held are already locked by the caller
// and are read through those handles.
func export(ws *storage.Workspace, out string, held map[string]*storage.Handle) (Metadata, error) {
	data, meta, err := bundle(ws, held)
	if err != nil {
		return Metadata{}, err
	}
	if err := storage.WriteFileAtomic(out, data, 0o644); err != nil {
		return Metadata{}, err
	}
	slog.Info("Data exported", "path", out, "decks", meta.DeckCount, "cards", meta.TotalCards)
	return meta, nil
}

func bundle(ws *storage.Workspace, held map[string]*storage.Handle) ([]byte, Metadata, error) {
	decks, err := ws.ListDecks()
	if err != nil {
		return nil, Metadata{}, err
	}
	meta := Metadata{
		ExportVersion: ExportVersion,
		AppVersion:    AppVersion,
		ExportedAt:    now().UTC(),
		DeckNames:     []string{},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, d := range decks {
		files, err := readDeck(ws, d.Slug, held[d.Slug])
		if err != nil {
			return nil, Metadata{}, err
		}
		for _, name := range []string{storage.CardsFileName, storage.StateFileName} {
			if content, ok := files[name]; ok {
				if err := writeEntry(zw, "decks/"+d.Slug+"/"+name, content); err != nil {
					return nil, Metadata{}, err
				}
			}
		}
		meta.DeckCount++
		meta.TotalCards += d.Cards
		meta.DeckNames = append(meta.DeckNames, d.Name)
	}
	for _, name := range []string{config.SettingsFile, storage.ActiveDeckFile} {
		content, err := os.ReadFile(filepath.Join(ws.Root(), name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, Metadata{}, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := writeEntry(zw, name, content); err != nil {
			return nil, Metadata{}, err
		}
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, Metadata{}, err
	}
	if err := writeEntry(zw, MetadataFile, metaJSON); err != nil {
		return nil, Metadata{}, err
	}
	if err := zw.Close(); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return buf.Bytes(), meta, nil
}

func readDeck(ws *storage.Workspace, slug string, h *storage.Handle) (map[string][]byte, error) {
	if h == nil {
		var err error
		if h, err = ws.OpenDeck(slug); err != nil {
			return nil, err
		}
		defer h.Close()
	}

	files := make(map[string][]byte)
	for _, name := range []string{storage.CardsFileName, storage.StateFileName} {
		content, err := os.ReadFile(filepath.Join(h.Dir(), name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s of %s: %w", name, slug, err)
		}
		files[name] = content
	}
	return files, nil
}

func writeEntry(zw *zip.Writer, name string, content []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: now()})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	_, err = w.Write(content)
	return err
}

// bundleFiles is a read bundle, keyed by entry name.
type bundleFiles struct {
	meta  Metadata
	files map[string][]byte
	decks []string
}

// Inspect reads and validates the bundle at path without applying it.
func Inspect(path string) (Metadata, error) {
	b, err := readBundle(path)
	if err != nil {
		return Metadata{}, err
	}
	return b.meta, nil
}

func readBundle(path string) (*bundleFiles, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBundle, path, err)
	}
	defer zr.Close()

	b := &bundleFiles{files: make(map[string][]byte)}
	seen := make(map[string]bool)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		slug, ok := deckEntry(f.Name)
		if !ok && f.Name != MetadataFile && f.Name != config.SettingsFile && f.Name != storage.ActiveDeckFile {
			slog.Debug("Ignoring bundle entry", "name", f.Name)
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBundle, f.Name, err)
		}
		b.files[f.Name] = content
		if ok && !seen[slug] {
			seen[slug] = true
			b.decks = append(b.decks, slug)
		}
	}
	sort.Strings(b.decks)

	raw, ok := b.files[MetadataFile]
	if !ok {
		return nil, fmt.Errorf("%w: missing metadata", ErrInvalidBundle)
	}
	if err := json.Unmarshal(raw, &b.meta); err != nil {
		return nil, fmt.Errorf("%w: unreadable metadata: %w", ErrInvalidBundle, err)
	}
	if err := validate.Struct(b.meta); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	if !strings.HasPrefix(b.meta.ExportVersion, "1.") {
		return nil, fmt.Errorf("%w: %s", ErrIncompatibleVersion, b.meta.ExportVersion)
	}
	return b, nil
}

// deckEntry reports the deck slug of a decks/<slug>/<file> entry.
func deckEntry(name string) (string, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] != storage.DecksDirName {
		return "", false
	}
	slug, file := parts[1], parts[2]
	if slug == "" || strings.HasPrefix(slug, ".") || !filepath.IsLocal(slug) || strings.ContainsRune(slug, '\\') {
		return "", false
	}
	return slug, file == storage.CardsFileName || file == storage.StateFileName
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("entry larger than %d bytes", maxEntrySize)
	}
	return data, nil
}

// Import applies the bundle at path to ws. Every deck is checked before it
// is installed; a deck that fails the check is reported in Result.Errors
// and the rest are still imported.
func Import(ws *storage.Workspace, path string, opts Options) (Result, error) {
	b, err := readBundle(path)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if !opts.Merge {
		if res.Backup, err = backupAndClear(ws); err != nil {
			return Result{}, err
		}
	}

	if settings, ok := b.files[config.SettingsFile]; ok && (!opts.Merge || opts.Overwrite) {
		if err := storage.WriteFileAtomic(filepath.Join(ws.Root(), config.SettingsFile), settings, 0o644); err != nil {
			return res, err
		}
		res.SettingsImported = true
	}

	for _, slug := range b.decks {
		if _, err := os.Stat(ws.DeckDir(slug)); err == nil && !opts.Overwrite {
			res.DecksSkipped++
			continue
		}
		cards, err := installDeck(ws, slug, b.files)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("deck %s: %w", slug, err))
			continue
		}
		res.DecksImported++
		res.TotalCards += cards
	}

	if raw, ok := b.files[storage.ActiveDeckFile]; ok {
		active := strings.TrimSpace(string(raw))
		current, _ := ws.ActiveDeck()
		if active != "" && (!opts.Merge || current == "") {
			if err := ws.SetActiveDeck(active); err != nil {
				slog.Warn("Active deck from bundle not restored", "deck", active, "error", err)
			}
		}
	}

	slog.Info("Data imported",
		"path", path,
		"decks", res.DecksImported,
		"skipped", res.DecksSkipped,
		"cards", res.TotalCards,
		"errors", len(res.Errors),
	)
	return res, nil
}

// backupAndClear exports the current data to the backups directory and
// removes every deck. All decks stay locked from the backup until they are
// removed; nothing is removed if any deck is in use.
func backupAndClear(ws *storage.Workspace) (string, error) {
	decks, err := ws.ListDecks()
	if err != nil {
		return "", err
	}
	held := make(map[string]*storage.Handle, len(decks))
	defer func() {
		for _, h := range held {
			h.Close()
		}
	}()
	for _, d := range decks {
		h, err := ws.OpenDeck(d.Slug)
		if err != nil {
			return "", fmt.Errorf("deck %s: %w", d.Slug, err)
		}
		held[d.Slug] = h
	}

	dir := filepath.Join(ws.Root(), storage.BackupsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	backup := filepath.Join(dir, fmt.Sprintf("pre-import-backup-%s.zip", now().Format("20060102-150405")))
	if _, err := export(ws, backup, held); err != nil {
		return "", fmt.Errorf("failed to back up current data: %w", err)
	}

	for slug, h := range held {
		if err := h.Remove(); err != nil {
			return backup, fmt.Errorf("failed to remove deck %s: %w", slug, err)
		}
	}
	if err := ws.SetActiveDeck(""); err != nil {
		return backup, err
	}
	return backup, nil
}

// installDeck checks a bundled deck in a staging directory and commits it
// to the workspace under the deck lock.
func installDeck(ws *storage.Workspace, slug string, files map[string][]byte) (int, error) {
	deck, err := stageDeck(ws, slug, files)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(ws.DeckDir(slug), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create deck directory: %w", err)
	}
	h, err := ws.OpenDeck(slug)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	deck.Slug = slug
	if err := h.Commit(deck); err != nil {
		return 0, err
	}
	return len(deck.Cards), nil
}

func stageDeck(ws *storage.Workspace, slug string, files map[string][]byte) (*domain.Deck, error) {
	cards, hasCards := files["decks/"+slug+"/"+storage.CardsFileName]
	state, hasState := files["decks/"+slug+"/"+storage.StateFileName]
	if !hasState {
		// Cards without saved progress start over as new cards.
		entries, err := parser.Parse(bytes.NewReader(cards))
		if err != nil {
			return nil, err
		}
		deck := &domain.Deck{Name: slug, CreatedAt: now().UTC()}
		for _, e := range entries {
			if _, err := deck.AddCard(e.Front, e.Backs); err != nil && !errors.Is(err, domain.ErrDuplicateCard) {
				return nil, fmt.Errorf("line %d: %w", e.Line, err)
			}
		}
		return deck, nil
	}
	if !hasCards {
		cards = nil
	}

	staging := filepath.Join(ws.Root(), storage.DecksDirName, ".import-"+slug)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := os.WriteFile(filepath.Join(staging, storage.CardsFileName), cards, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage cards: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, storage.StateFileName), state, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage state: %w", err)
	}
	h, err := storage.Open(staging, storage.OpenOptions{})
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Load()
}
