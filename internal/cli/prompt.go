package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/petrijr/sandboxctl"
)

// terminalPrompter asks for field values on a line-oriented terminal.
//
// A single goroutine reads input lines for the prompter's lifetime, so a
// prompt abandoned on cancellation leaves the next prompt to receive the
// line the user eventually types.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer

	once  sync.Once
	lines chan line
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out, lines: make(chan line)}
}

type line struct {
	text string
	err  error
}

// readLines delivers every line, then the terminal read error, and closes
// p.lines.
func (p *terminalPrompter) readLines() {
	defer close(p.lines)
	for {
		text, err := p.in.ReadString('\n')
		p.lines <- line{text: text, err: err}
		if err != nil {
			return
		}
	}
}

func (p *terminalPrompter) Prompt(ctx context.Context, req sandboxctl.PromptRequest) (string, error) {
	if req.Message != "" {
		fmt.Fprintln(p.out, req.Message)
	}
	if req.Err != nil {
		fmt.Fprintf(p.out, "Rejected: %v\n", req.Err)
	}
	label := req.Label
	if label == "" {
		label = string(req.Field)
	}
	fmt.Fprintf(p.out, "%s: ", label)

	p.once.Do(func() { go p.readLines() })

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case l, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("read %s: %w", label, io.EOF)
		}
		text := strings.TrimSpace(l.text)
		if l.err != nil {
			if errors.Is(l.err, io.EOF) && text != "" {
				return text, nil
			}
			return "", fmt.Errorf("read %s: %w", label, l.err)
		}
		return text, nil
	}
}
