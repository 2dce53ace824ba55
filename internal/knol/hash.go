package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize concatenates the card's content after cleaning each part.
// It trims whitespace, lowercases, and normalizes line endings for each field
// before joining them.
func Normalize(front string, backs []string) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	parts := make([]string, 0, len(backs)+1)
	parts = append(parts, normalizePart(front))
	for _, b := range backs {
		parts = append(parts, normalizePart(b))
	}

	// Tab is the field separator of the card file, so it cannot occur
	// inside a field and keeps "ab"+"c" distinct from "a"+"bc".
	return strings.Join(parts, "\t")
}

// Hash normalizes a card and returns its SHA-256 hash as a hex string.
func Hash(front string, backs []string) string {
	normalized := Normalize(front, backs)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}
