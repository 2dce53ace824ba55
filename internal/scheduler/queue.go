package scheduler

import "github.com/conorfennell/knoldeck/internal/domain"

// Queue is the fixed presentation order of one session. It is computed
// once and never re-queried, so a card is presented at most once per pass
// even if grading makes it due again.
type Queue struct {
	cards []domain.Card
	pos   int
}

// NewQueue snapshots cards. The slice is copied.
func NewQueue(cards []domain.Card) *Queue {
	return &Queue{cards: append([]domain.Card(nil), cards...)}
}

// Next returns the next card and advances, or false when the queue is done.
func (q *Queue) Next() (domain.Card, bool) {
	if q.pos >= len(q.cards) {
		return domain.Card{}, false
	}
	c := q.cards[q.pos]
	q.pos++
	return c, true
}

// Len is the number of cards in the snapshot.
func (q *Queue) Len() int { return len(q.cards) }

// Remaining is the number of cards not yet returned by Next.
func (q *Queue) Remaining() int { return len(q.cards) - q.pos }

// Restart rewinds to the first card.
func (q *Queue) Restart() { q.pos = 0 }
