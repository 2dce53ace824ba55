package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// Interactive reports whether f is attached to a terminal. Without one the
// shell runs as a script: no banner and no command prompt.
func Interactive(f *os.File) bool {
	return isTerminal(int(f.Fd()))
}

// lineReader delivers input lines on a channel so that a blocked read can
// be abandoned when the context is cancelled.
type lineReader struct {
	lines chan string
	err   error
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan string)}
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 || err == nil {
				lr.lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				lr.err = err
				close(lr.lines)
				return
			}
		}
	}()
	return lr
}

// read returns the next line. io.EOF means the input is exhausted.
func (lr *lineReader) read(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if !ok {
			if lr.err != nil {
				return "", lr.err
			}
			return "", io.EOF
		}
		return line, nil
	}
}

// ask prints prompt and reads one trimmed line.
func (a *App) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(a.out, prompt)
	line, err := a.in.read(ctx)
	if err != nil {
		fmt.Fprintln(a.out)
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question; only yes or y agree.
func (a *App) confirm(ctx context.Context, question string) (bool, error) {
	answer, err := a.ask(ctx, question+" (yes/y): ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "yes", "y":
		return true, nil
	}
	return false, nil
}

func (a *App) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
