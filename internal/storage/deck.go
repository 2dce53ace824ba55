package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/knoldeck/internal/domain"
	"github.com/conorfennell/knoldeck/internal/knol"
	"github.com/conorfennell/knoldeck/internal/parser"
)

const (
	CardsFileName = "cards.txt"
	StateFileName = "state.json"

	stateVersion = 1
	filePerm     = 0o644
)

// stateFile is the JSON layout of state.json. It is the commit point of a
// deck: CardsDigest ties it to the exact cards.txt it was written with and
// Order lists card ids in the same order as the lines of that file.
// PrevCardsDigest is the cards.txt the commit replaced, so that a commit
// interrupted before cards.txt was renamed can be told apart from a hand
// edit and rolled forward from the card text kept here.
type stateFile struct {
	Version         int                  `json:"version"`
	DisplayName     string               `json:"display_name"`
	CreatedAt       time.Time            `json:"created_at"`
	Counters        domain.DailyCounters `json:"counters"`
	CardsDigest     string               `json:"cards_digest"`
	PrevCardsDigest string               `json:"prev_cards_digest,omitempty"`
	Order           []string             `json:"order"`
	Cards           map[string]cardState `json:"cards"`
}

type cardState struct {
	Hash  string   `json:"hash"`
	Front string   `json:"front,omitempty"`
	Backs []string `json:"backs,omitempty"`
	domain.LearningState
}

// OpenOptions tunes how a deck is opened.
type OpenOptions struct {
	// BreakStale removes a lock whose owner is no longer running and
	// retries once. A live owner always yields ErrLockHeld.
	BreakStale bool
	Liveness   LivenessFunc
	Logger     *slog.Logger
	// Now is used when validating loaded state. Defaults to time.Now.
	Now func() time.Time
}

// LoadOptions tunes how a deck's files are read.
type LoadOptions struct {
	// Reconcile re-matches card lines to saved state by content hash when
	// cards.txt and state.json disagree, instead of failing. Lines with
	// no saved state become new cards and orphaned state is dropped.
	Reconcile bool
}

// Handle is exclusive access to one deck directory. It must be closed.
type Handle struct {
	dir  string
	slug string
	lock *deckLock
	log  *slog.Logger
	now  func() time.Time
}

// Open takes the advisory lock on a deck directory.
func Open(dir string, opts OpenOptions) (*Handle, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	slug := filepath.Base(dir)

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeckNotFound, slug)
		}
		return nil, &IOError{Op: "stat", Path: dir, Err: err}
	}

	lock, err := acquireLock(dir, opts.Liveness)
	var held *LockHeldError
	if errors.As(err, &held) && held.Stale && opts.BreakStale {
		log.Warn("Breaking stale deck lock", "deck", slug, "pid", held.Owner.PID, "host", held.Owner.Host)
		if err := BreakLock(dir, opts.Liveness); err != nil {
			return nil, err
		}
		lock, err = acquireLock(dir, opts.Liveness)
	}
	if err != nil {
		return nil, err
	}

	for _, tmp := range leftoverTemps(dir) {
		log.Warn("Found temp file from a failed commit", "deck", slug, "path", tmp)
	}

	return &Handle{dir: dir, slug: slug, lock: lock, log: log.With("deck", slug), now: now}, nil
}

// Dir returns the deck directory.
func (h *Handle) Dir() string { return h.dir }

// Close releases the lock. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.lock == nil {
		return nil
	}
	err := h.lock.release()
	h.lock = nil
	return err
}

// Move renames the deck directory to dir while the lock is held. The lock
// file moves with the directory and is released by Close as usual.
func (h *Handle) Move(dir string) error {
	if h.lock == nil {
		return ErrClosed
	}
	if _, err := os.Lstat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrDeckExists, filepath.Base(dir))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "stat", Path: dir, Err: err}
	}
	if err := os.Rename(h.dir, dir); err != nil {
		return &IOError{Op: "move", Path: h.dir, Err: err}
	}
	h.log.Info("Deck directory moved", "to", dir)
	h.dir = dir
	h.slug = filepath.Base(dir)
	h.lock.path = filepath.Join(dir, lockFileName)
	h.log = h.log.With("deck", h.slug)
	return nil
}

// Remove deletes the deck directory while the lock is held and closes the
// handle. The directory is first renamed to a hidden name next to it, so
// the deck disappears for other processes in one step.
func (h *Handle) Remove() error {
	if h.lock == nil {
		return ErrClosed
	}
	trash := filepath.Join(filepath.Dir(h.dir), fmt.Sprintf(".deleted-%s-%s", h.slug, uuid.NewString()[:8]))
	if err := os.Rename(h.dir, trash); err != nil {
		return &IOError{Op: "move aside", Path: h.dir, Err: err}
	}
	h.lock = nil
	if err := os.RemoveAll(trash); err != nil {
		return &IOError{Op: "remove", Path: trash, Err: err}
	}
	h.log.Info("Deck directory removed")
	return nil
}

// Load reads the deck strictly.
func (h *Handle) Load() (*domain.Deck, error) {
	return h.LoadWith(LoadOptions{})
}

// LoadWith reads cards.txt and state.json and checks them against each other.
func (h *Handle) LoadWith(opts LoadOptions) (*domain.Deck, error) {
	if h.lock == nil {
		return nil, ErrClosed
	}
	cardsPath := filepath.Join(h.dir, CardsFileName)
	statePath := filepath.Join(h.dir, StateFileName)

	cardsData, err := os.ReadFile(cardsPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &IOError{Op: "read", Path: cardsPath, Err: err}
	}
	stateData, err := os.ReadFile(statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &CorruptStateError{Path: statePath, Reason: "missing state file"}
		}
		return nil, &IOError{Op: "read", Path: statePath, Err: err}
	}

	entries, err := parser.Parse(bytes.NewReader(cardsData))
	if err != nil {
		return nil, &CorruptStateError{Path: cardsPath, Reason: "unparsable card file", Err: err}
	}

	var doc stateFile
	if err := json.Unmarshal(stateData, &doc); err != nil {
		return nil, &CorruptStateError{Path: statePath, Reason: "unparsable state file", Err: err}
	}
	if doc.Version != stateVersion {
		return nil, &CorruptStateError{Path: statePath, Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}

	now := h.now()
	for id, st := range doc.Cards {
		if err := st.LearningState.Validate(now); err != nil {
			return nil, &CorruptStateError{Path: statePath, Reason: "card " + id, Err: err}
		}
	}

	deck := &domain.Deck{
		Slug:      h.slug,
		Name:      doc.DisplayName,
		CreatedAt: doc.CreatedAt,
		Counters:  doc.Counters,
	}
	if deck.Name == "" {
		deck.Name = h.slug
	}

	if got := digest(cardsData); got != doc.CardsDigest && got == doc.PrevCardsDigest {
		rolled, err := h.rollForward(doc)
		if err != nil {
			return nil, err
		}
		entries, cardsData = rolled, parser.Format(rolled)
	}

	if digest(cardsData) != doc.CardsDigest {
		mismatch := &CorruptStateError{Path: statePath, Reason: CardsFileName + " does not match state file", Mismatch: true}
		if !opts.Reconcile {
			return nil, mismatch
		}
		deck.Cards = h.reconcile(entries, doc)
		return deck, nil
	}

	cards, err := assemble(entries, doc)
	if err != nil {
		return nil, &CorruptStateError{Path: statePath, Reason: "inconsistent card index", Err: err}
	}
	deck.Cards = cards
	h.log.Debug("Deck loaded", "cards", len(cards))
	return deck, nil
}

// rollForward finishes a commit whose state.json was renamed into place
// but whose cards.txt was not, rebuilding the card file from the text kept
// in state.json.
func (h *Handle) rollForward(doc stateFile) ([]parser.Entry, error) {
	statePath := filepath.Join(h.dir, StateFileName)
	entries := make([]parser.Entry, 0, len(doc.Order))
	for _, id := range doc.Order {
		st, ok := doc.Cards[id]
		if !ok || st.Front == "" || len(st.Backs) == 0 {
			return nil, &CorruptStateError{Path: statePath, Reason: "interrupted commit without card text for " + id, Mismatch: true}
		}
		entries = append(entries, parser.Entry{Front: st.Front, Backs: st.Backs, Line: len(entries) + 1})
	}
	data := parser.Format(entries)
	if digest(data) != doc.CardsDigest {
		return nil, &CorruptStateError{Path: statePath, Reason: "card text does not match its digest", Mismatch: true}
	}
	if err := WriteFileAtomic(filepath.Join(h.dir, CardsFileName), data, filePerm); err != nil {
		return nil, err
	}
	h.log.Warn("Completed interrupted commit", "cards", len(entries))
	return entries, nil
}

func assemble(entries []parser.Entry, doc stateFile) ([]domain.Card, error) {
	if len(entries) != len(doc.Order) {
		return nil, fmt.Errorf("%d card lines but %d ids", len(entries), len(doc.Order))
	}
	if len(doc.Cards) != len(doc.Order) {
		return nil, fmt.Errorf("%d ids but %d states", len(doc.Order), len(doc.Cards))
	}
	seen := make(map[string]bool, len(doc.Order))
	cards := make([]domain.Card, 0, len(entries))
	for i, e := range entries {
		id := doc.Order[i]
		if seen[id] {
			return nil, fmt.Errorf("duplicate id %s", id)
		}
		seen[id] = true
		st, ok := doc.Cards[id]
		if !ok {
			return nil, fmt.Errorf("no state for id %s (line %d)", id, e.Line)
		}
		cards = append(cards, domain.Card{
			ID:    id,
			Front: e.Front,
			Backs: e.Backs,
			Hash:  knol.Hash(e.Front, e.Backs),
			State: st.LearningState,
		})
	}
	return cards, nil
}

func (h *Handle) reconcile(entries []parser.Entry, doc stateFile) []domain.Card {
	byHash := make(map[string][]string)
	for _, id := range doc.Order {
		if st, ok := doc.Cards[id]; ok {
			byHash[st.Hash] = append(byHash[st.Hash], id)
		}
	}

	used := make(map[string]bool)
	cards := make([]domain.Card, 0, len(entries))
	for _, e := range entries {
		hash := knol.Hash(e.Front, e.Backs)
		card := domain.Card{Front: e.Front, Backs: e.Backs, Hash: hash}
		if ids := byHash[hash]; len(ids) > 0 {
			card.ID = ids[0]
			card.State = doc.Cards[ids[0]].LearningState
			byHash[hash] = ids[1:]
			used[card.ID] = true
		} else {
			card.ID = uuid.NewString()
			card.State = domain.NewLearningState()
			h.log.Info("Reconcile: card line without saved state, starting as new", "line", e.Line, "front", e.Front)
		}
		cards = append(cards, card)
	}
	for id := range doc.Cards {
		if !used[id] {
			h.log.Warn("Reconcile: dropping state without a card line", "card_id", id)
		}
	}
	return cards
}

// Commit atomically replaces the deck's files with d. state.json is written
// first and is the commit point: it carries the card text, so if the
// cards.txt rename that follows fails, the next Load completes the commit.
// A failure before the state.json rename leaves both files untouched.
func (h *Handle) Commit(d *domain.Deck) error {
	if h.lock == nil {
		return ErrClosed
	}
	now := h.now()

	entries := make([]parser.Entry, 0, len(d.Cards))
	doc := stateFile{
		Version:     stateVersion,
		DisplayName: d.Name,
		CreatedAt:   d.CreatedAt,
		Counters:    d.Counters,
		Order:       make([]string, 0, len(d.Cards)),
		Cards:       make(map[string]cardState, len(d.Cards)),
	}
	for _, c := range d.Cards {
		if err := checkCard(c, now); err != nil {
			return fmt.Errorf("%w: card %s: %v", ErrInvalidDeck, c.ID, err)
		}
		if _, dup := doc.Cards[c.ID]; dup {
			return fmt.Errorf("%w: duplicate card id %s", ErrInvalidDeck, c.ID)
		}
		entries = append(entries, parser.Entry{Front: c.Front, Backs: c.Backs})
		doc.Order = append(doc.Order, c.ID)
		doc.Cards[c.ID] = cardState{
			Hash:          knol.Hash(c.Front, c.Backs),
			Front:         c.Front,
			Backs:         c.Backs,
			LearningState: c.State,
		}
	}

	cardsData := parser.Format(entries)
	cardsPath := filepath.Join(h.dir, CardsFileName)
	existing, err := os.ReadFile(cardsPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "read", Path: cardsPath, Err: err}
	}
	cardsChanged := err != nil || !bytes.Equal(existing, cardsData)

	doc.CardsDigest = digest(cardsData)
	doc.PrevCardsDigest = digest(existing)
	stateData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deck state: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(h.dir, StateFileName), append(stateData, '\n'), filePerm); err != nil {
		return err
	}
	if cardsChanged {
		if err := WriteFileAtomic(cardsPath, cardsData, filePerm); err != nil {
			// Committed; the next Load rebuilds cards.txt.
			h.log.Warn("Card file not updated, it is rebuilt on next load", "error", err)
		}
	}
	h.log.Debug("Deck committed", "cards", len(d.Cards))
	return nil
}

func checkCard(c domain.Card, now time.Time) error {
	if c.ID == "" {
		return errors.New("missing id")
	}
	if !parser.ValidField(c.Front) || c.Front == "" {
		return fmt.Errorf("invalid front %q", c.Front)
	}
	if len(c.Backs) == 0 {
		return errors.New("no answers")
	}
	for _, b := range c.Backs {
		if !parser.ValidAnswer(b) {
			return fmt.Errorf("invalid answer %q", b)
		}
	}
	return c.State.Validate(now)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
