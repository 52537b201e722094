package domainjoin

import (
	"fmt"
	"strings"
)

// UnsupportedPlatformMessage is shown when the guest is not reached over a
// Windows-capable channel.
const UnsupportedPlatformMessage = "Unsupported platform detected. Windows domain join only works on Windows guest environments."

// UnsupportedPlatformError aborts an operation before any remote command.
type UnsupportedPlatformError struct {
	Kind string
}

func (e *UnsupportedPlatformError) Error() string { return UnsupportedPlatformMessage }

// BinaryNotDetectedError reports a missing privileged command on the guest.
type BinaryNotDetectedError struct {
	Binary string
	Domain string
	Err    error
}

func (e *BinaryNotDetectedError) Error() string {
	domain := e.Domain
	if domain == "" {
		domain = "(unset)"
	}
	return fmt.Sprintf("required command %q not found on guest (domain %s)", e.Binary, domain)
}

func (e *BinaryNotDetectedError) Unwrap() error { return e.Err }

// JoinExecutionFailedError carries the stderr captured from a failed join.
type JoinExecutionFailedError struct {
	Domain string
	Output string
	Err    error
}

func (e *JoinExecutionFailedError) Error() string {
	return failureMessage("join domain "+e.Domain, e.Output, e.Err)
}

func (e *JoinExecutionFailedError) Unwrap() error { return e.Err }

// LeaveExecutionFailedError carries the stderr captured from a failed leave.
type LeaveExecutionFailedError struct {
	Domain string
	Output string
	Err    error
}

func (e *LeaveExecutionFailedError) Error() string {
	return failureMessage("leave domain "+e.Domain, e.Output, e.Err)
}

func (e *LeaveExecutionFailedError) Unwrap() error { return e.Err }

func failureMessage(action, output string, err error) string {
	msg := "failed to " + action
	if err != nil {
		msg += ": " + err.Error()
	}
	if out := strings.TrimSpace(output); out != "" {
		msg += "\n" + out
	}
	return msg
}
