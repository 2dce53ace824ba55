package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/conorfennell/knoldeck/internal/storage"
)

func (a *App) listDecks() error {
	decks, err := a.ws.ListDecks()
	if err != nil {
		return err
	}
	if len(decks) == 0 {
		a.println("No decks yet. Create one with 'deck new <name>'.")
		return nil
	}
	for _, d := range decks {
		marker := "  "
		if d.Active {
			marker = " *"
		}
		note := ""
		switch {
		case d.Err != nil:
			note = fmt.Sprintf(" [unreadable: %v]", d.Err)
		case d.Locked:
			note = " [in use]"
		}
		a.printf("%s %s (%d cards)%s\n", marker, d.Name, d.Cards, note)
	}
	return nil
}

func (a *App) deck(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: deck new|use|rename|delete <name>")
	}
	name := strings.Join(args[1:], " ")
	switch strings.ToLower(args[0]) {
	case "new":
		return a.newDeck(name)
	case "use", "select":
		return a.useDeck(name)
	case "rename":
		return a.renameDeck(ctx, name)
	case "delete", "rm":
		return a.deleteDeck(ctx, name)
	}
	return fmt.Errorf("unknown deck action %q, expected new, use, rename or delete", args[0])
}

func (a *App) newDeck(name string) error {
	if name == "" {
		return fmt.Errorf("usage: deck new <name>")
	}
	slug, err := a.ws.CreateDeck(name)
	if err != nil {
		return err
	}
	if err := a.ws.SetActiveDeck(slug); err != nil {
		return err
	}
	a.printf("Created deck %s and switched to it.\n", name)
	a.snapshot("create deck " + slug)
	return nil
}

func (a *App) useDeck(name string) error {
	if name == "" {
		return fmt.Errorf("usage: deck use <name>")
	}
	slug, err := a.ws.Resolve(name)
	if err != nil {
		return err
	}
	if err := a.ws.SetActiveDeck(slug); err != nil {
		return err
	}
	a.printf("Switched to deck %s.\n", a.displayName(slug))
	a.snapshot("use deck " + slug)
	return nil
}

func (a *App) renameDeck(ctx context.Context, newName string) error {
	if newName == "" {
		return fmt.Errorf("usage: deck rename <new name>")
	}
	slug, err := a.activeSlug()
	if err != nil {
		return err
	}
	newSlug, err := a.ws.RenameDeck(slug, newName)
	if err != nil {
		return describeOpenError(err)
	}
	if a.rlog != nil && newSlug != slug {
		if err := a.rlog.RenameDeck(ctx, slug, newSlug); err != nil {
			a.log.Warn("Review history not moved to renamed deck", "from", slug, "to", newSlug, "error", err)
		}
	}
	a.printf("Deck renamed to %s.\n", newName)
	a.snapshot(fmt.Sprintf("rename deck %s to %s", slug, newSlug))
	return nil
}

func (a *App) deleteDeck(ctx context.Context, ref string) error {
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
	var info storage.DeckInfo
	decks, err := a.ws.ListDecks()
	if err != nil {
		return err
	}
	for _, d := range decks {
		if d.Slug == slug {
			info = d
		}
	}

	a.printf("Delete deck %s with %d cards?\n", info.Name, info.Cards)
	ok, err := a.confirm(ctx, "Confirm deletion?")
	if err != nil || !ok {
		a.println("Cancelled.")
		return err
	}
	backup := false
	if info.Cards > 0 {
		if backup, err = a.confirm(ctx, "Create a backup first?"); err != nil {
			return err
		}
	}

	path, err := a.ws.DeleteDeck(slug, true, backup)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return describeOpenError(err)
		}
		return err
	}
	if a.rlog != nil {
		if err := a.rlog.DeleteDeck(ctx, slug); err != nil {
			a.log.Warn("Review history of deleted deck kept", "deck", slug, "error", err)
		}
	}
	a.printf("Deck %s deleted.\n", info.Name)
	if path != "" {
		a.printf("Backup written to %s\n", path)
	}
	a.snapshot("delete deck " + slug)
	return nil
}
