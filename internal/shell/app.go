// Package shell is the interactive command loop of knoldeck.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/conorfennell/knoldeck/internal/config"
	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/history"
	"github.com/conorfennell/knoldeck/internal/reviewlog"
	"github.com/conorfennell/knoldeck/internal/storage"
)

// ReposDirName holds clones of git card sources inside the data directory.
const ReposDirName = "repos"

var errNoActiveDeck = errors.New("no active deck; create one with 'deck new <name>' or pick one with 'deck use <name>'")

// Options wire the shell to its input and output.
type Options struct {
	In  io.Reader
	Out io.Writer
	// Interactive enables the banner and the command prompt.
	Interactive bool
	Logger      *slog.Logger
	Now         func() time.Time
}

// App is one shell over a data directory.
type App struct {
	cfg  *config.Config
	ws   *storage.Workspace
	rlog *reviewlog.Log
	hist *history.Repo

	in          *lineReader
	out         io.Writer
	interactive bool
	log         *slog.Logger
	now         func() time.Time
}

// NewApp opens the data directory named by cfg. The review log and the
// history repository are optional: when they cannot be opened the shell
// still runs, without statistics or snapshots.
func NewApp(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ws, err := storage.NewWorkspace(cfg.DataDir, storage.OpenOptions{
		BreakStale: cfg.BreakStaleLocks,
		Logger:     opts.Logger,
		Now:        opts.Now,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		ws:          ws,
		in:          newLineReader(opts.In),
		out:         opts.Out,
		interactive: opts.Interactive,
		log:         opts.Logger,
		now:         opts.Now,
	}

	rlog, err := reviewlog.Open(ctx, filepath.Join(cfg.DataDir, reviewlog.FileName), opts.Logger)
	if err != nil {
		a.log.Warn("Review log unavailable, statistics are disabled", "error", err)
	} else {
		a.rlog = rlog
	}

	if cfg.History {
		hist, err := history.Open(cfg.DataDir, opts.Logger)
		if err != nil {
			a.log.Warn("History unavailable, snapshots are disabled", "error", err)
		} else {
			a.hist = hist
		}
	}
	return a, nil
}

// Close releases the review log.
func (a *App) Close() error {
	if a.rlog == nil {
		return nil
	}
	return a.rlog.Close()
}

// Run greets the user and reads commands until exit, end of input or ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.interactive {
		a.welcome()
	}
	return a.runREPL(ctx)
}

func (a *App) welcome() {
	a.println("knoldeck, type 'help' for commands or 'exit' to quit.")
	slug, err := a.ws.ActiveDeck()
	if err != nil || slug == "" {
		a.println("No active deck.")
		return
	}
	a.printf("Active deck: %s\n", a.displayName(slug))
}

// status is shown in the prompt.
func (a *App) status() string {
	slug, _ := a.ws.ActiveDeck()
	if slug == "" {
		return "no deck"
	}
	return a.displayName(slug)
}

func (a *App) displayName(slug string) string {
	decks, err := a.ws.ListDecks()
	if err != nil {
		return slug
	}
	for _, d := range decks {
		if d.Slug == slug {
			return d.Name
		}
	}
	return slug
}

func (a *App) activeSlug() (string, error) {
	slug, err := a.ws.ActiveDeck()
	if err != nil {
		return "", err
	}
	if slug == "" {
		return "", errNoActiveDeck
	}
	return slug, nil
}

// withDeck locks the active deck for the duration of fn.
func (a *App) withDeck(fn func(h *storage.Handle, d *domain.Deck) error) error {
	slug, err := a.activeSlug()
	if err != nil {
		return err
	}
	return a.withDeckSlug(slug, fn)
}

func (a *App) withDeckSlug(slug string, fn func(h *storage.Handle, d *domain.Deck) error) error {
	h, err := a.ws.OpenDeck(slug)
	if err != nil {
		return describeOpenError(err)
	}
	defer h.Close()
	d, err := h.Load()
	if err != nil {
		return describeLoadError(err)
	}
	return fn(h, d)
}

// readDeck returns a copy of the active deck without keeping it locked.
func (a *App) readDeck() (*domain.Deck, error) {
	var deck *domain.Deck
	err := a.withDeck(func(_ *storage.Handle, d *domain.Deck) error {
		deck = d
		return nil
	})
	return deck, err
}

func describeOpenError(err error) error {
	var held *storage.LockHeldError
	if errors.As(err, &held) {
		if held.Stale {
			return fmt.Errorf("%w; the owner is gone, run 'unlock' to remove it", err)
		}
		return fmt.Errorf("%w; close the other session first", err)
	}
	return err
}

func describeLoadError(err error) error {
	var corrupt *storage.CorruptStateError
	if errors.As(err, &corrupt) {
		if corrupt.Mismatch {
			return fmt.Errorf("%w; run 'repair' to match cards to their saved progress", err)
		}
		return fmt.Errorf("%w; use 'history' and 'restore' to recover an earlier version", err)
	}
	return err
}

// snapshot commits the data directory to history, if enabled.
func (a *App) snapshot(message string) {
	if a.hist == nil {
		return
	}
	if _, _, err := a.hist.Snapshot(message); err != nil {
		a.log.Warn("Snapshot failed", "message", message, "error", err)
	}
}
