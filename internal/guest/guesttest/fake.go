// Package guesttest provides a recording guest.Communicator for tests.
package guesttest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/osiriscare/domainjoin/internal/guest"
)

// Call is one recorded communicator invocation.
type Call struct {
	Method    string // "shell", "sudo" or "upload"
	Command   string
	Opts      guest.ExecOptions
	LocalPath string
	GuestPath string
	Content   string // uploaded file content, read at upload time
	ReadErr   error  // set when the local file could not be read
}

// Line is one scripted output line.
type Line struct {
	Kind guest.StreamKind
	Text string
}

// Response scripts the result of a command.
type Response struct {
	Lines []Line
	Err   error
}

// Fake records calls and replays scripted responses. Commands without a
// response succeed silently.
type Fake struct {
	KindValue guest.Kind
	UploadErr error

	mu        sync.Mutex
	calls     []Call
	responses map[string]Response
	prefixes  map[string]Response
}

// New returns a fake reporting kind.
func New(kind guest.Kind) *Fake {
	return &Fake{
		KindValue: kind,
		responses: make(map[string]Response),
		prefixes:  make(map[string]Response),
	}
}

// On scripts the response for an exact command.
func (f *Fake) On(command string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = resp
	return f
}

// OnPrefix scripts the response for every command starting with prefix.
func (f *Fake) OnPrefix(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes[prefix] = resp
	return f
}

func (f *Fake) Kind() guest.Kind { return f.KindValue }

func (f *Fake) Shell(_ context.Context, command string, out guest.OutputFunc) error {
	f.record(Call{Method: "shell", Command: command})
	return f.reply(command, out)
}

func (f *Fake) Sudo(_ context.Context, command string, opts guest.ExecOptions, out guest.OutputFunc) error {
	f.record(Call{Method: "sudo", Command: command, Opts: opts})
	return f.reply(command, out)
}

// Upload fails like a real transport when localPath cannot be read, so a
// staging file released too early shows up as an error.
func (f *Fake) Upload(_ context.Context, localPath, guestPath string) error {
	data, err := os.ReadFile(localPath)
	f.record(Call{Method: "upload", LocalPath: localPath, GuestPath: guestPath, Content: string(data), ReadErr: err})
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	return f.UploadErr
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns "method command" for each shell/sudo call, and
// "upload guestPath" for uploads.
func (f *Fake) Commands() []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Method == "upload" {
			out = append(out, "upload "+c.GuestPath)
			continue
		}
		out = append(out, c.Method+" "+c.Command)
	}
	return out
}

// Count returns how many recorded calls have the given method and command.
func (f *Fake) Count(method, command string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Command == command {
			n++
		}
	}
	return n
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *Fake) reply(command string, out guest.OutputFunc) error {
	f.mu.Lock()
	resp, ok := f.responses[command]
	if !ok {
		for prefix, r := range f.prefixes {
			if strings.HasPrefix(command, prefix) {
				resp, ok = r, true
				break
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		return nil
	}
	if out != nil {
		for _, l := range resp.Lines {
			out(l.Kind, l.Text)
		}
	}
	return resp.Err
}
