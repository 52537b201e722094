// Package ui is the operator-facing side of a provisioning run: status
// lines, coloured remote output, and credential prompts.
package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color selects the colour of an Info line.
type Color int

const (
	ColorNone Color = iota
	ColorGreen
	ColorRed
	ColorYellow
)

// Style controls how an Info line is printed.
type Style struct {
	Color   Color
	NewLine bool // terminate with a newline when the message lacks one
	Prefix  bool // prepend the machine prefix
}

// DefaultStyle is used for plain status messages.
var DefaultStyle = Style{NewLine: true, Prefix: true}

// UI is the operator interaction boundary.
type UI interface {
	Say(message string)
	Info(message string, style Style)
	Ask(prompt string, echo bool) (string, error)
}

// ErrNoTerminal is returned when a hidden prompt is requested without a TTY.
var ErrNoTerminal = errors.New("no terminal available for hidden prompt")

// Terminal writes to an output stream and reads answers from stdin.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	in     *bufio.Reader
	inFd   int
	prefix string
	green  lipgloss.Style
	red    lipgloss.Style
	yellow lipgloss.Style
}

// NewTerminal builds a terminal UI. prefix is shown before prefixed lines,
// typically the guest name. Colours are dropped when out is not a TTY.
func NewTerminal(in *os.File, out io.Writer, prefix string) *Terminal {
	renderer := lipgloss.NewRenderer(out)
	return &Terminal{
		out:    out,
		in:     bufio.NewReader(in),
		inFd:   int(in.Fd()),
		prefix: prefix,
		green:  renderer.NewStyle().Foreground(lipgloss.Color("2")),
		red:    renderer.NewStyle().Foreground(lipgloss.Color("1")),
		yellow: renderer.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

// Say prints a status line with the machine prefix.
func (t *Terminal) Say(message string) {
	t.Info(message, DefaultStyle)
}

// Info prints message in the given style.
func (t *Terminal) Info(message string, style Style) {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := message
	if style.Prefix && t.prefix != "" {
		line = "==> " + t.prefix + ": " + line
	}
	line = t.paint(line, style.Color)
	if style.NewLine && !strings.HasSuffix(message, "\n") {
		line += "\n"
	}
	fmt.Fprint(t.out, line)
}

// paint colours each line on its own so newlines pass through unstyled.
func (t *Terminal) paint(s string, c Color) string {
	var st lipgloss.Style
	switch c {
	case ColorGreen:
		st = t.green
	case ColorRed:
		st = t.red
	case ColorYellow:
		st = t.yellow
	default:
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = st.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

// Ask prints prompt and reads one line. With echo false the answer is
// read with terminal echo disabled.
func (t *Terminal) Ask(prompt string, echo bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, prompt)

	if !echo {
		if !term.IsTerminal(t.inFd) {
			return "", ErrNoTerminal
		}
		answer, err := term.ReadPassword(t.inFd)
		fmt.Fprintln(t.out)
		if err != nil {
			return "", fmt.Errorf("read hidden input: %w", err)
		}
		return string(answer), nil
	}

	answer, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && answer != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(answer, "\r\n"), nil
}
