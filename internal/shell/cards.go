package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/importer"
	"github.com/conorfennell/knoldeck/internal/parser"
	"github.com/conorfennell/knoldeck/internal/storage"
)

// maxReportedErrors caps the import problems printed.
const maxReportedErrors = 5

// readCard prompts for a front and a back. Several answers are separated
// with ';'. Empty input keeps the given defaults.
func (a *App) readCard(ctx context.Context, front, back string) (string, []string, error) {
	frontPrompt, backPrompt := "Front: ", "Back (answers separated by ;): "
	if front != "" {
		frontPrompt, backPrompt = "New front (Enter to keep): ", "New back (Enter to keep): "
	}
	f, err := a.ask(ctx, frontPrompt)
	if err != nil {
		return "", nil, err
	}
	b, err := a.ask(ctx, backPrompt)
	if err != nil {
		return "", nil, err
	}
	if f == "" {
		f = front
	}
	if b == "" {
		b = back
	}
	if f == "" || b == "" {
		return "", nil, domain.ErrEmptyCard
	}
	if !parser.ValidField(f) || !parser.ValidField(b) {
		return "", nil, fmt.Errorf("cards cannot contain tabs")
	}
	return f, parser.SplitBacks(b), nil
}

func (a *App) addCard(ctx context.Context) error {
	if _, err := a.activeSlug(); err != nil {
		return err
	}
	front, backs, err := a.readCard(ctx, "", "")
	if err != nil {
		return err
	}
	err = a.withDeck(func(h *storage.Handle, d *domain.Deck) error {
		if _, err := d.AddCard(front, backs); err != nil {
			return err
		}
		return h.Commit(d)
	})
	if errors.Is(err, domain.ErrDuplicateCard) {
		a.println("That card is already in the deck.")
		return nil
	}
	if err != nil {
		return err
	}
	a.println("Card added.")
	a.snapshot("add card: " + front)
	return nil
}

func (a *App) listCards() error {
	d, err := a.readDeck()
	if err != nil {
		return err
	}
	if len(d.Cards) == 0 {
		a.println("No cards in this deck.")
		return nil
	}
	a.printf("%d cards in %s:\n", len(d.Cards), d.Name)
	for i, c := range d.Cards {
		a.printf("  %d. %s → %s\n", i+1, c.Front, c.BackText())
	}
	return nil
}

// pickCard shows the card at the listed position. The deck is released
// again before the caller prompts for anything.
func (a *App) pickCard(args []string) (domain.Card, error) {
	d, err := a.readDeck()
	if err != nil {
		return domain.Card{}, err
	}
	i, err := cardNumber(args, len(d.Cards))
	if err != nil {
		return domain.Card{}, err
	}
	c := d.Cards[i]
	a.printf("Card #%d\n  Front: %s\n  Back:  %s\n", i+1, c.Front, c.BackText())
	return c, nil
}

func (a *App) editCard(ctx context.Context, args []string) error {
	card, err := a.pickCard(args)
	if err != nil {
		return err
	}
	front, backs, err := a.readCard(ctx, card.Front, card.BackText())
	if err != nil {
		return err
	}
	if front == card.Front && parser.JoinBacks(backs) == card.BackText() {
		a.println("No changes made.")
		return nil
	}
	err = a.withDeck(func(h *storage.Handle, d *domain.Deck) error {
		if _, err := d.EditCard(card.ID, front, backs); err != nil {
			return err
		}
		return h.Commit(d)
	})
	if errors.Is(err, domain.ErrDuplicateCard) {
		a.println("Another card already has that text. Nothing changed.")
		return nil
	}
	if err != nil {
		return err
	}
	a.println("Card updated.")
	a.snapshot("edit card: " + front)
	return nil
}

func (a *App) removeCard(ctx context.Context, args []string) error {
	card, err := a.pickCard(args)
	if err != nil {
		return err
	}
	ok, err := a.confirm(ctx, "Delete this card?")
	if err != nil || !ok {
		a.println("Cancelled.")
		return err
	}
	err = a.withDeck(func(h *storage.Handle, d *domain.Deck) error {
		if err := d.DeleteCard(card.ID); err != nil {
			return err
		}
		return h.Commit(d)
	})
	if err != nil {
		return err
	}
	a.println("Card deleted.")
	a.snapshot("delete card: " + card.Front)
	return nil
}

// isGitURL tells remote repositories apart from local paths.
func isGitURL(s string) bool {
	if strings.Contains(s, "://") || strings.HasSuffix(s, ".git") {
		return true
	}
	user, rest, ok := strings.Cut(s, "@")
	return ok && user != "" && strings.Contains(rest, ":")
}

func (a *App) importCards(args []string) error {
	source := strings.Join(args, " ")
	if source == "" {
		return fmt.Errorf("usage: import <file|dir|git url>")
	}
	var res importer.Result
	err := a.withDeck(func(h *storage.Handle, d *domain.Deck) error {
		var err error
		switch info, statErr := os.Stat(source); {
		case statErr == nil && info.IsDir():
			res, err = importer.ImportDir(d, source)
		case statErr == nil:
			res, err = importer.ImportFile(d, source)
		case isGitURL(source):
			a.printf("Fetching %s ...\n", source)
			res, err = importer.ImportGit(d, source, filepath.Join(a.cfg.DataDir, ReposDirName))
		default:
			return statErr
		}
		if err != nil {
			return err
		}
		if res.Added == 0 {
			return nil
		}
		return h.Commit(d)
	})
	if err != nil {
		return err
	}

	a.printf("Imported %d card(s), skipped %d duplicate(s).\n", res.Added, res.Skipped)
	for i, e := range res.Errors {
		if i == maxReportedErrors {
			a.printf("  ... and %d more problems\n", len(res.Errors)-i)
			break
		}
		a.printf("  %v\n", e)
	}
	if res.Added > 0 {
		a.snapshot(fmt.Sprintf("import %d cards from %s", res.Added, source))
	}
	return nil
}

func (a *App) exportCards(args []string) error {
	dest := strings.Join(args, " ")
	if dest == "" {
		return fmt.Errorf("usage: export <file>")
	}
	d, err := a.readDeck()
	if err != nil {
		return err
	}
	if err := importer.ExportFile(d, dest); err != nil {
		return err
	}
	a.printf("Exported %d card(s) to %s\n", len(d.Cards), dest)
	return nil
}

// repair re-reads a deck whose card file was edited by hand, keeping the
// progress of every card whose text is unchanged.
func (a *App) repair() error {
	slug, err := a.activeSlug()
	if err != nil {
		return err
	}
	h, err := a.ws.OpenDeck(slug)
	if err != nil {
		return describeOpenError(err)
	}
	defer h.Close()

	if _, err := h.Load(); err == nil {
		a.println("Deck is consistent, nothing to repair.")
		return nil
	}
	d, err := h.LoadWith(storage.LoadOptions{Reconcile: true})
	if err != nil {
		return describeLoadError(err)
	}
	if err := h.Commit(d); err != nil {
		return err
	}
	a.printf("Deck repaired, %d cards.\n", len(d.Cards))
	a.snapshot("repair deck " + slug)
	return nil
}
