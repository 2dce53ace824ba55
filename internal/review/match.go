package review

import (
	"strings"

	"github.com/conorfennell/knoldeck/internal/domain"
)

// MatchKind describes how an answer was scored.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchLenient  MatchKind = "lenient"
	MatchMismatch MatchKind = "mismatch"
	MatchRevealed MatchKind = "revealed"
)

// Match compares answer with every back of card, ignoring case and
// surrounding space. An exact hit on any back wins; otherwise the closest
// back within threshold edits (insert, delete, substitute, swap adjacent)
// is a lenient match. Blank backs are never matched. Matched is the back
// that was hit.
func Match(card domain.Card, answer string, threshold int) (kind MatchKind, matched string, distance int) {
	given := normalize(answer)
	if given == "" {
		return MatchMismatch, "", -1
	}
	for _, b := range card.Backs {
		if normalize(b) == given {
			return MatchExact, b, 0
		}
	}

	best, bestBack := -1, ""
	for _, b := range card.Backs {
		want := normalize(b)
		if want == "" {
			continue
		}
		d := editDistance(given, want)
		if best < 0 || d < best {
			best, bestBack = d, b
		}
	}
	if best >= 0 && best <= threshold {
		return MatchLenient, bestBack, best
	}
	return MatchMismatch, "", best
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// editDistance is the optimal string alignment distance between a and b,
// counted in runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}

	// Three rolling rows: two back for transpositions.
	prev2 := make([]int, m+1)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= n; i++ {
		cur[0] = i
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[m]
}
