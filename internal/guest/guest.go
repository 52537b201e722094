// Package guest defines the remote-execution boundary between the domain
// join engine and the machine being provisioned. Transports (WinRM, SSH)
// implement Communicator; the engine only borrows one for a single call.
package guest

import (
	"context"
	"fmt"
	"strings"
)

// Kind identifies the transport a Communicator speaks.
type Kind string

const (
	WinRM Kind = "winrm"
	SSH   Kind = "ssh"
)

// ParseKind maps a configured communicator name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case WinRM:
		return WinRM, nil
	case SSH:
		return SSH, nil
	}
	return "", fmt.Errorf("unknown communicator %q (want winrm or ssh)", s)
}

// StreamKind tags an output line with the stream it was read from.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (s StreamKind) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputFunc receives output lines as they arrive. Communicators serialise
// calls, so implementations need no locking of their own.
type OutputFunc func(kind StreamKind, line string)

// ShellKind selects the interpreter a privileged command runs under.
type ShellKind string

const (
	ShellDefault    ShellKind = ""
	ShellPowerShell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
)

// ErrorKey classifies how a failed command is reported.
type ErrorKey string

const (
	// ErrBadExitStatus reports the exit code together with captured stderr.
	ErrBadExitStatus ErrorKey = "ssh_bad_exit_status"
	// ErrBadExitStatusMuted reports only the exit code; the output has
	// already been streamed to the operator.
	ErrBadExitStatusMuted ErrorKey = "ssh_bad_exit_status_muted"
	// ErrBinaryNotDetected marks a failed `which` probe.
	ErrBinaryNotDetected ErrorKey = "binary_not_detected"
)

// ExecOptions mirror the options a privileged command is issued with.
type ExecOptions struct {
	ErrorKey ErrorKey
	Binary   string
	Domain   string
	Elevated bool
	GoodExit []int
	Shell    ShellKind
}

// IsGoodExit reports whether code is an accepted exit status. An empty
// GoodExit list accepts only zero.
func (o ExecOptions) IsGoodExit(code int) bool {
	if len(o.GoodExit) == 0 {
		return code == 0
	}
	for _, c := range o.GoodExit {
		if c == code {
			return true
		}
	}
	return false
}

// Communicator runs commands on a single guest.
type Communicator interface {
	// Kind reports the transport bound to the guest.
	Kind() Kind
	// Shell runs an unprivileged command and streams its output.
	Shell(ctx context.Context, command string, out OutputFunc) error
	// Sudo runs a privileged command. An unexpected exit status is
	// returned as *ExecError carrying the options' classification.
	Sudo(ctx context.Context, command string, opts ExecOptions, out OutputFunc) error
	// Upload copies a local file to guestPath, creating parent directories.
	Upload(ctx context.Context, localPath, guestPath string) error
}

// ExecError is a classified command failure.
type ExecError struct {
	Key      ErrorKey
	ExitCode int
	Binary   string
	Domain   string
	Stderr   string
}

func (e *ExecError) Error() string {
	switch e.Key {
	case ErrBinaryNotDetected:
		return fmt.Sprintf("required binary %q not detected on guest (domain %q)", e.Binary, e.Domain)
	case ErrBadExitStatusMuted:
		return fmt.Sprintf("command exited with status %d", e.ExitCode)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command exited with status %d", e.ExitCode)
}

// Classify builds the error for a finished command, or nil when the exit
// status is accepted.
func Classify(opts ExecOptions, exitCode int, stderr string) error {
	if opts.IsGoodExit(exitCode) {
		return nil
	}
	key := opts.ErrorKey
	if key == "" {
		key = ErrBadExitStatus
	}
	return &ExecError{
		Key:      key,
		ExitCode: exitCode,
		Binary:   opts.Binary,
		Domain:   opts.Domain,
		Stderr:   strings.TrimSpace(stderr),
	}
}

// Discard is an OutputFunc that drops every line.
func Discard(StreamKind, string) {}
