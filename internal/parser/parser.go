package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	fieldSeparator  = "\t"
	answerSeparator = ";"

	maxLineSize = 1024 * 1024
)

// Entry is one card line: a front and its acceptable answers.
type Entry struct {
	Front string
	Backs []string
	Line  int
}

// LineError reports a malformed card line.
type LineError struct {
	Line int
	Text string
	Msg  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// ParseFile reads a file from the given path and extracts all cards.
func ParseFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads card lines and fails on the first malformed one.
// Blank lines are skipped. Field text is kept verbatim so that
// Format(Parse(x)) reproduces x.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	err := scan(r, func(e Entry) {
		entries = append(entries, e)
	}, func(le *LineError) bool {
		return false
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ParseLenient is Parse for user supplied files: malformed lines are
// collected and skipped instead of aborting.
func ParseLenient(r io.Reader) ([]Entry, []error) {
	var entries []Entry
	var errs []error
	err := scan(r, func(e Entry) {
		entries = append(entries, e)
	}, func(le *LineError) bool {
		errs = append(errs, le)
		return true
	})
	if err != nil {
		errs = append(errs, err)
	}
	return entries, errs
}

func scan(r io.Reader, emit func(Entry), onBad func(*LineError) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		front, back, ok := strings.Cut(line, fieldSeparator)
		var bad *LineError
		switch {
		case !ok:
			bad = &LineError{Line: lineNo, Text: line, Msg: "missing tab between front and back"}
		case strings.TrimSpace(front) == "":
			bad = &LineError{Line: lineNo, Text: line, Msg: "empty front"}
		case strings.TrimSpace(back) == "":
			bad = &LineError{Line: lineNo, Text: line, Msg: "empty back"}
		}
		if bad != nil {
			if !onBad(bad) {
				return bad
			}
			continue
		}

		emit(Entry{Front: front, Backs: SplitBacks(back), Line: lineNo})
	}

	return scanner.Err()
}

// SplitBacks splits the back field into its alternative answers.
func SplitBacks(back string) []string {
	return strings.Split(back, answerSeparator)
}

// JoinBacks is the inverse of SplitBacks.
func JoinBacks(backs []string) string {
	return strings.Join(backs, answerSeparator)
}

// FormatLine renders a single card line without the trailing newline.
func FormatLine(front string, backs []string) string {
	return front + fieldSeparator + JoinBacks(backs)
}

// Format renders entries as card text, one line each.
func Format(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(FormatLine(e.Front, e.Backs))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ValidField reports whether s can be stored in a card field without
// breaking the line format.
func ValidField(s string) bool {
	return !strings.ContainsAny(s, "\t\r\n")
}

// ValidAnswer is ValidField for a single answer, which also cannot hold
// the answer separator.
func ValidAnswer(s string) bool {
	return ValidField(s) && !strings.Contains(s, answerSeparator)
}
