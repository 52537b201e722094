package guest

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

const maxLineSize = 1 << 20

// LineSink fans stdout and stderr readers into one OutputFunc. Callbacks
// are serialised and stderr is kept for error classification.
type LineSink struct {
	mu     sync.Mutex
	out    OutputFunc
	stderr strings.Builder
}

// NewLineSink wraps out. A nil out discards lines.
func NewLineSink(out OutputFunc) *LineSink {
	if out == nil {
		out = Discard
	}
	return &LineSink{out: out}
}

// Drain reads r line by line until EOF, forwarding each line as kind.
func (s *LineSink) Drain(r io.Reader, kind StreamKind) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.mu.Lock()
		if kind == Stderr {
			s.stderr.WriteString(line)
			s.stderr.WriteByte('\n')
		}
		s.out(kind, line)
		s.mu.Unlock()
	}
	// Unblock the writer if the scanner gave up early (line too long).
	io.Copy(io.Discard, r)
}

// DrainBoth drains stdout and stderr concurrently and returns once both
// reach EOF.
func (s *LineSink) DrainBoth(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Drain(stdout, Stdout)
	}()
	go func() {
		defer wg.Done()
		s.Drain(stderr, Stderr)
	}()
	wg.Wait()
}

// Stderr returns everything read from the stderr stream so far.
func (s *LineSink) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}
