package shell

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/conorfennell/knoldeck/internal/config"
	"github.com/conorfennell/knoldeck/internal/migration"
	"github.com/conorfennell/knoldeck/internal/storage"
)

const defaultHistoryEntries = 10

var errHistoryDisabled = errors.New("history is disabled; turn it on with 'config history true' and restart")

// splitFlags separates --flags from positional arguments.
func splitFlags(args []string) (positional []string, flags map[string]bool) {
	flags = map[string]bool{}
	for _, arg := range args {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			flags[strings.ToLower(name)] = true
			continue
		}
		positional = append(positional, arg)
	}
	return positional, flags
}

func (a *App) exportData(args []string) error {
	out := strings.Join(args, " ")
	if out == "" {
		out = fmt.Sprintf("knoldeck-export-%s.zip", a.now().Format("20060102-150405"))
	}
	meta, err := migration.Export(a.ws, out)
	if err != nil {
		return err
	}
	a.printf("Exported %d deck(s) with %d card(s) to %s\n", meta.DeckCount, meta.TotalCards, out)
	return nil
}

func (a *App) importData(ctx context.Context, args []string) error {
	positional, flags := splitFlags(args)
	for name := range flags {
		if name != "merge" && name != "overwrite" {
			return fmt.Errorf("unknown option --%s, expected --merge or --overwrite", name)
		}
	}
	path := strings.Join(positional, " ")
	if path == "" {
		return fmt.Errorf("usage: import-data <file> [--merge] [--overwrite]")
	}
	opts := migration.Options{Merge: flags["merge"], Overwrite: flags["overwrite"]}

	meta, err := migration.Inspect(path)
	if err != nil {
		return err
	}
	a.printf("Export from %s (version %s): %d deck(s), %d card(s)\n",
		meta.ExportedAt.Local().Format(timeLayout), meta.AppVersion, meta.DeckCount, meta.TotalCards)
	if !opts.Merge {
		a.println("This replaces all current decks. A backup is written first.")
		ok, err := a.confirm(ctx, "Continue?")
		if err != nil || !ok {
			a.println("Cancelled.")
			return err
		}
	}

	res, err := migration.Import(a.ws, path, opts)
	if err != nil {
		return err
	}
	if res.Backup != "" {
		a.printf("Previous data backed up to %s\n", res.Backup)
	}
	a.printf("Imported %d deck(s) with %d card(s)", res.DecksImported, res.TotalCards)
	if res.DecksSkipped > 0 {
		a.printf(", skipped %d existing deck(s)", res.DecksSkipped)
	}
	a.println(".")
	for _, e := range res.Errors {
		a.printf("  %v\n", e)
	}
	if res.SettingsImported {
		a.println("Settings were imported; restart knoldeck to apply them.")
	}
	a.snapshot("import data from " + filepath.Base(path))
	return nil
}

func (a *App) showHistory(args []string) error {
	if a.hist == nil {
		return errHistoryDisabled
	}
	n := defaultHistoryEntries
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("expected a positive number of entries, got %q", args[0])
		}
		n = v
	}
	entries, err := a.hist.Log(n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.println("No snapshots yet.")
		return nil
	}
	for _, e := range entries {
		a.printf("  %s  %s  %s\n", e.Short(), e.When.Local().Format(timeLayout), e.Message)
	}
	return nil
}

// restore brings a deck back to a snapshot. The deck stays locked while
// its files are replaced and then checked.
func (a *App) restore(ctx context.Context, args []string) error {
	if a.hist == nil {
		return errHistoryDisabled
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: restore <revision> [deck]")
	}
	rev := args[0]
	ref := strings.Join(args[1:], " ")
	if ref == "" {
		var err error
		if ref, err = a.activeSlug(); err != nil {
			return err
		}
	}
	slug, err := a.ws.Resolve(ref)
	if err != nil {
		return err
	}
	ok, err := a.confirm(ctx, fmt.Sprintf("Replace deck %s with its version at %s?", a.displayName(slug), rev))
	if err != nil || !ok {
		a.println("Cancelled.")
		return err
	}

	h, err := a.ws.OpenDeck(slug)
	if err != nil {
		return describeOpenError(err)
	}
	defer h.Close()

	deckPath := filepath.Join(storage.DecksDirName, slug)
	if err := a.hist.RestoreFile(rev, filepath.Join(deckPath, storage.CardsFileName)); err != nil {
		return err
	}
	if err := a.hist.RestoreFile(rev, filepath.Join(deckPath, storage.StateFileName)); err != nil {
		a.log.Warn("Learning state not restored", "deck", slug, "revision", rev, "error", err)
	}
	d, err := h.Load()
	if err != nil {
		return describeLoadError(err)
	}
	a.printf("Deck %s restored to %s, %d cards.\n", d.Name, rev, len(d.Cards))
	a.snapshot(fmt.Sprintf("restore %s from %s", slug, rev))
	return nil
}

// unlock removes a lock whose owner is gone. A live owner is only
// overridden with --force, after confirmation.
func (a *App) unlock(ctx context.Context, args []string) error {
	positional, flags := splitFlags(args)
	ref := strings.Join(positional, " ")
	if ref == "" {
		var err error
		if ref, err = a.activeSlug(); err != nil {
			return err
		}
	}
	slug, err := a.ws.Resolve(ref)
	if err != nil {
		return err
	}
	dir := a.ws.DeckDir(slug)

	held, locked := storage.Inspect(dir, nil)
	if !locked {
		a.printf("Deck %s is not locked.\n", a.displayName(slug))
		return nil
	}
	if held.Stale {
		if err := storage.BreakLock(dir, nil); err != nil {
			return err
		}
		a.printf("Removed stale lock on %s.\n", a.displayName(slug))
		return nil
	}
	if !flags["force"] {
		return fmt.Errorf("%w; if that session is gone, use 'unlock --force'", held)
	}
	a.println("Another session may still be using this deck; changes it makes could be lost.")
	ok, err := a.confirm(ctx, "Remove the lock anyway?")
	if err != nil || !ok {
		a.println("Cancelled.")
		return err
	}
	if err := storage.BreakLock(dir, func(storage.LockOwner) bool { return false }); err != nil {
		return err
	}
	a.log.Warn("Live deck lock removed", "deck", slug, "owner_pid", held.Owner.PID)
	a.printf("Removed lock on %s.\n", a.displayName(slug))
	return nil
}

func (a *App) configure(args []string) error {
	values := a.cfg.Values()
	switch len(args) {
	case 0:
		a.printf("Settings (%s):\n", a.cfg.Path())
		for _, key := range append([]string{config.DataDirKey}, config.Keys()...) {
			a.printf("  %-18s %s\n", key, values[key])
		}
		return nil
	case 1:
		key := strings.ReplaceAll(strings.ToLower(args[0]), "-", "_")
		v, ok := values[key]
		if !ok {
			return fmt.Errorf("unknown setting %q, see 'config'", args[0])
		}
		a.printf("%s = %s\n", key, v)
		return nil
	}
	if err := a.cfg.Set(args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	a.println("Saved. Some settings take effect after a restart.")
	a.snapshot("config " + args[0])
	return nil
}
