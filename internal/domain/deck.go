package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/knoldeck/internal/knol"
)

// dayLayout keys the daily counters by local calendar day.
const dayLayout = "2006-01-02"

// DailyCounters tracks how much of the daily caps has been consumed.
type DailyCounters struct {
	Day           string `json:"day"`
	NewIntroduced int    `json:"new_introduced"`
	Reviewed      int    `json:"reviewed"`
}

// For returns the counters that apply on the calendar day of now,
// resetting them when now falls on a later day than the stored one.
func (c DailyCounters) For(now time.Time) DailyCounters {
	day := now.Format(dayLayout)
	if c.Day != day {
		return DailyCounters{Day: day}
	}
	return c
}

// Deck is an ordered collection of cards persisted and locked as one unit.
type Deck struct {
	Slug      string
	Name      string
	CreatedAt time.Time
	Counters  DailyCounters
	Cards     []Card
}

// Index returns the position of the card with the given id, or -1.
func (d *Deck) Index(id string) int {
	for i := range d.Cards {
		if d.Cards[i].ID == id {
			return i
		}
	}
	return -1
}

// Card returns a copy of the card with the given id.
func (d *Deck) Card(id string) (Card, error) {
	i := d.Index(id)
	if i < 0 {
		return Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	return d.Cards[i], nil
}

// FindByHash returns the index of a card with identical content, or -1.
func (d *Deck) FindByHash(hash string) int {
	for i := range d.Cards {
		if d.Cards[i].Hash == hash {
			return i
		}
	}
	return -1
}

// AddCard appends a new, never-reviewed card.
func (d *Deck) AddCard(front string, backs []string) (Card, error) {
	front, backs = cleanCard(front, backs)
	if front == "" || len(backs) == 0 {
		return Card{}, ErrEmptyCard
	}
	hash := knol.Hash(front, backs)
	if d.FindByHash(hash) >= 0 {
		return Card{}, fmt.Errorf("%w: %s", ErrDuplicateCard, front)
	}
	card := Card{
		ID:    uuid.NewString(),
		Front: front,
		Backs: backs,
		Hash:  hash,
		State: NewLearningState(),
	}
	d.Cards = append(d.Cards, card)
	return card, nil
}

// EditCard replaces a card's text. Its id and learning state are kept.
func (d *Deck) EditCard(id, front string, backs []string) (Card, error) {
	i := d.Index(id)
	if i < 0 {
		return Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	front, backs = cleanCard(front, backs)
	if front == "" || len(backs) == 0 {
		return Card{}, ErrEmptyCard
	}
	hash := knol.Hash(front, backs)
	if j := d.FindByHash(hash); j >= 0 && j != i {
		return Card{}, fmt.Errorf("%w: %s", ErrDuplicateCard, front)
	}
	d.Cards[i].Front = front
	d.Cards[i].Backs = backs
	d.Cards[i].Hash = hash
	return d.Cards[i], nil
}

// DeleteCard removes a card, preserving the order of the rest.
func (d *Deck) DeleteCard(id string) error {
	i := d.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	d.Cards = append(d.Cards[:i], d.Cards[i+1:]...)
	return nil
}

// ResolveID finds a card by full id or unique id prefix.
func (d *Deck) ResolveID(ref string) (string, error) {
	var found []string
	for _, c := range d.Cards {
		if c.ID == ref {
			return c.ID, nil
		}
		if ref != "" && strings.HasPrefix(c.ID, ref) {
			found = append(found, c.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrCardNotFound, ref)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("ambiguous card id %q matches %d cards", ref, len(found))
	}
}

func cleanCard(front string, backs []string) (string, []string) {
	front = strings.TrimSpace(front)
	out := make([]string, 0, len(backs))
	for _, b := range backs {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return front, out
}
