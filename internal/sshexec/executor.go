// Package sshexec is the SSH guest channel. Domain join needs a WinRM
// session, so this communicator only identifies itself and refuses every
// remote call; the provisioner's platform guard rejects it before any of
// them are made.
package sshexec

import (
	"context"
	"fmt"
	"log"

	"github.com/osiriscare/domainjoin/internal/guest"
)

// Target describes the machine the operator configured.
type Target struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// RefusedError is returned by every remote call on an SSH channel.
type RefusedError struct {
	Host string
	Op   string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("ssh %s on %s refused: domain join requires a WinRM channel", e.Op, e.Host)
}

// Communicator reports guest.SSH and performs no remote work.
type Communicator struct {
	target *Target
}

// New creates a communicator for target.
func New(target *Target) *Communicator {
	return &Communicator{target: target}
}

// Kind reports the SSH transport.
func (c *Communicator) Kind() guest.Kind { return guest.SSH }

// Shell refuses.
func (c *Communicator) Shell(_ context.Context, _ string, _ guest.OutputFunc) error {
	return c.refuse("shell")
}

// Sudo refuses.
func (c *Communicator) Sudo(_ context.Context, _ string, _ guest.ExecOptions, _ guest.OutputFunc) error {
	return c.refuse("sudo")
}

// Upload refuses, so nothing is ever written to a non-Windows guest.
func (c *Communicator) Upload(_ context.Context, _, guestPath string) error {
	return c.refuse("upload " + guestPath)
}

// Close is a no-op; no connection is ever opened.
func (c *Communicator) Close() error { return nil }

func (c *Communicator) refuse(op string) error {
	log.Printf("[ssh] Refusing %s on %s", op, c.target.Hostname)
	return &RefusedError{Host: c.target.Hostname, Op: op}
}
