package parser

import (
	"bufio"
	"io"
	"strings"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
	cardSeparator  = "---"
)

type block int

const (
	seeking block = iota
	readingQuestion
	readingAnswer
	readingContext
)

// ParseMarkdown extracts cards from notes written as
//
//	Q: question
//	A: answer; alternative
//	C: optional context, ignored
//	---
//
// Multi-line questions and answers are joined with single spaces, since a
// card line cannot hold line breaks. Cards without an answer are reported
// as LineErrors and skipped.
func ParseMarkdown(r io.Reader) ([]Entry, []error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		entries  []Entry
		errs     []error
		question []string
		answer   []string
		start    int
		state    = seeking
	)

	finishCard := func() {
		front := joinLines(question)
		back := joinLines(answer)
		switch {
		case front == "" && back == "":
		case front == "" || back == "":
			errs = append(errs, &LineError{Line: start, Text: front, Msg: "question without answer"})
		default:
			backs := SplitBacks(back)
			for i := range backs {
				backs[i] = strings.TrimSpace(backs[i])
			}
			entries = append(entries, Entry{Front: front, Backs: backs, Line: start})
		}
		question, answer = nil, nil
		state = seeking
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")

		switch {
		case strings.TrimSpace(line) == cardSeparator:
			finishCard()
		case strings.HasPrefix(line, questionPrefix):
			// A new question always starts a new card.
			if state != seeking {
				finishCard()
			}
			state = readingQuestion
			start = lineNo
			question = append(question, line[len(questionPrefix):])
		case strings.HasPrefix(line, answerPrefix):
			state = readingAnswer
			answer = append(answer, line[len(answerPrefix):])
		case strings.HasPrefix(line, contextPrefix):
			state = readingContext
		case state == readingQuestion:
			question = append(question, line)
		case state == readingAnswer:
			answer = append(answer, line)
		}
	}
	finishCard()

	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return entries, errs
}

func joinLines(lines []string) string {
	return strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
}
