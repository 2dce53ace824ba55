package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errQuit ends the loop from a command.
var errQuit = errors.New("quit")

// runREPL reads a line, splits it into a command and its arguments and
// dispatches it. Command errors are printed and the loop goes on; it ends
// on exit, end of input or when ctx is cancelled.
func (a *App) runREPL(ctx context.Context) error {
	for {
		if a.interactive {
			a.printf("[%s]> ", a.status())
		}
		line, err := a.in.read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				a.println("Bye!")
				return nil
			}
			return err
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		err = a.dispatch(ctx, strings.ToLower(parts[0]), parts[1:])
		switch {
		case errors.Is(err, errQuit):
			a.println("Bye!")
			return nil
		case errors.Is(err, context.Canceled):
			a.println("Bye!")
			return nil
		case err != nil:
			a.printf("Error: %v\n", err)
		}
	}
}

func (a *App) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		a.help()
		return nil
	case "exit", "quit", "q":
		return errQuit

	case "review", "r":
		return a.review(ctx)
	case "practice", "p":
		return a.practice(ctx, args)
	case "stats", "s":
		return a.stats(ctx)

	case "decks":
		return a.listDecks()
	case "deck":
		return a.deck(ctx, args)

	case "add":
		return a.addCard(ctx)
	case "list", "l":
		return a.listCards()
	case "edit":
		return a.editCard(ctx, args)
	case "rm", "delete":
		return a.removeCard(ctx, args)
	case "import":
		return a.importCards(args)
	case "export":
		return a.exportCards(args)
	case "repair":
		return a.repair()

	case "export-data":
		return a.exportData(args)
	case "import-data":
		return a.importData(ctx, args)
	case "history":
		return a.showHistory(args)
	case "restore":
		return a.restore(ctx, args)
	case "unlock":
		return a.unlock(ctx, args)
	case "config":
		return a.configure(args)
	}
	a.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	return nil
}

var helpSections = []struct {
	title    string
	commands [][2]string
}{
	{"Decks", [][2]string{
		{"decks", "list all decks"},
		{"deck new <name>", "create a deck and switch to it"},
		{"deck use <name>", "switch to a deck"},
		{"deck rename <new name>", "rename the active deck"},
		{"deck delete [name]", "delete a deck (asks first, offers a backup)"},
	}},
	{"Cards", [][2]string{
		{"add", "add a card to the active deck"},
		{"list, l", "list the cards of the active deck"},
		{"edit <number>", "edit a card by its number in the list"},
		{"rm <number>", "delete a card by its number in the list"},
		{"import <file|dir|git url>", "import cards (.txt, .tsv, .md)"},
		{"export <file>", "write the deck's cards to a file"},
		{"repair", "match edited cards to their saved progress"},
	}},
	{"Study", [][2]string{
		{"review, r", "review the cards due now"},
		{"practice, p [limit]", "go through every card, hardest first, without scheduling"},
		{"stats, s", "show deck statistics"},
	}},
	{"Data", [][2]string{
		{"export-data [file]", "export every deck and setting to a zip"},
		{"import-data <file> [--merge] [--overwrite]", "import an export-data zip"},
		{"history [n]", "list snapshots of the data directory"},
		{"restore <revision> [deck]", "restore a deck from a snapshot"},
		{"unlock [deck] [--force]", "remove a lock left by a crashed session"},
		{"config [key [value]]", "show or change settings"},
	}},
	{"Other", [][2]string{
		{"help, ?", "show this help"},
		{"exit, quit, q", "leave the shell"},
	}},
}

func (a *App) help() {
	for _, section := range helpSections {
		a.printf("%s:\n", section.title)
		for _, c := range section.commands {
			a.printf("  %-44s %s\n", c[0], c[1])
		}
	}
}

// cardNumber parses a 1-based position from the card list.
func cardNumber(args []string, count int) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a card number, see 'list'")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid card number %q", args[0])
	}
	if n < 1 || n > count {
		return 0, fmt.Errorf("card number must be between 1 and %d", count)
	}
	return n - 1, nil
}
