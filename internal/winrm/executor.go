// Package winrm implements the guest communicator for Windows machines
// reached over WinRM. It runs PowerShell through -EncodedCommand, works
// around the cmd.exe 8191 character limit via temp file chunking, uploads
// files as chunked base64, and streams stdout/stderr line by line.
package winrm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
	"golang.org/x/text/encoding/unicode"

	"github.com/osiriscare/domainjoin/internal/guest"
)

// Target describes the Windows guest to connect to.
type Target struct {
	Hostname  string `json:"hostname" yaml:"hostname"`
	Port      int    `json:"port" yaml:"port"`
	Username  string `json:"username" yaml:"username"` // DOMAIN\user or local account
	Password  string `json:"-" yaml:"-"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl" yaml:"verify_ssl"`
}

// cachedSession holds a WinRM client with its creation time.
type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000 // Chars before switching to temp file mode
	chunkSize         = 6000 // Base64 chunk size for cmd.exe echo safety
)

// Communicator runs commands on one Windows guest. It is safe for
// sequential use; the engine never issues concurrent commands.
type Communicator struct {
	target *Target

	mu      sync.Mutex
	session *cachedSession
}

// New creates a communicator bound to target. No connection is made until
// the first command.
func New(target *Target) *Communicator {
	return &Communicator{target: target}
}

// Kind reports the WinRM transport.
func (c *Communicator) Kind() guest.Kind { return guest.WinRM }

// Shell runs an unprivileged PowerShell command.
func (c *Communicator) Shell(ctx context.Context, command string, out guest.OutputFunc) error {
	exitCode, stderr, err := c.run(ctx, command, guest.ShellPowerShell, false, out)
	if err != nil {
		return err
	}
	return guest.Classify(guest.ExecOptions{}, exitCode, stderr)
}

// Sudo runs a privileged command. WinRM sessions authenticated as an
// administrator already carry a full token, so elevation only relaxes the
// execution policy for dot-sourced scripts.
func (c *Communicator) Sudo(ctx context.Context, command string, opts guest.ExecOptions, out guest.OutputFunc) error {
	exitCode, stderr, err := c.run(ctx, translateCommand(command), opts.Shell, opts.Elevated, out)
	if err != nil {
		return err
	}
	return guest.Classify(opts, exitCode, stderr)
}

// Upload copies localPath to guestPath using chunked base64 writes, then
// decodes the result in place.
func (c *Communicator) Upload(ctx context.Context, localPath, guestPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	client, err := c.getSession()
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	shell, err := client.CreateShell()
	if err != nil {
		c.InvalidateSession()
		return fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	winPath := windowsPath(guestPath)
	tempB64 := winPath + ".b64"

	prepare := fmt.Sprintf(
		`$d = Split-Path -Parent '%s'; if ($d) { New-Item -ItemType Directory -Force -Path $d | Out-Null }; `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`New-Item -ItemType File -Force -Path '%s' | Out-Null`,
		psQuote(winPath), psQuote(tempB64), psQuote(tempB64))
	if err := runSimple(ctx, shell, "powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(prepare)); err != nil {
		return fmt.Errorf("prepare %s: %w", guestPath, err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for i, chunk := range splitString(encoded, chunkSize) {
		if err := runSimple(ctx, shell, "cmd.exe", "/c", echoChunk(chunk, tempB64, true)); err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
	}

	decode := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`if ($r -eq $null) { $r = '' }; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllBytes('%s',$b); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue`,
		psQuote(tempB64), psQuote(winPath), psQuote(tempB64))
	if err := runSimple(ctx, shell, "powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(decode)); err != nil {
		return fmt.Errorf("decode %s: %w", guestPath, err)
	}

	log.Printf("[winrm] Uploaded %d bytes to %s:%s", len(data), c.target.Hostname, guestPath)
	return nil
}

// run executes a command, choosing inline or temp file mode based on length.
// Transport failures are returned as errors; exit codes are left to the caller.
func (c *Communicator) run(ctx context.Context, script string, kind guest.ShellKind, elevated bool, out guest.OutputFunc) (int, string, error) {
	client, err := c.getSession()
	if err != nil {
		return -1, "", fmt.Errorf("get session: %w", err)
	}

	shell, err := client.CreateShell()
	if err != nil {
		c.InvalidateSession()
		return -1, "", fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	var cmd *gowinrm.Command
	switch {
	case kind == guest.ShellCmd:
		cmd, err = shell.Execute("cmd.exe", "/c", script)
	case len(script) > inlineScriptLimit:
		cmd, err = c.executeViaTempFile(ctx, shell, script, elevated)
	default:
		cmd, err = shell.Execute("powershell.exe", powershellArgs(encodePowerShell(script), elevated)...)
	}
	if err != nil {
		c.InvalidateSession()
		return -1, "", fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	stop := context.AfterFunc(ctx, func() { cmd.Close() })
	defer stop()

	sink := guest.NewLineSink(out)
	sink.DrainBoth(cmd.Stdout, cmd.Stderr)
	cmd.Wait()

	if ctx.Err() != nil {
		return -1, "", ctx.Err()
	}
	return cmd.ExitCode(), sink.Stderr(), nil
}

// executeViaTempFile handles the cmd.exe 8191 character limit by writing
// the script to a temp file via chunked base64 echo commands.
func (c *Communicator) executeViaTempFile(ctx context.Context, shell *gowinrm.Shell, script string, elevated bool) (*gowinrm.Command, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\domainjoin_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\domainjoin_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	for i, chunk := range splitString(encoded, chunkSize) {
		if err := runSimple(ctx, shell, "cmd.exe", "/c", echoChunk(chunk, tempB64, i > 0)); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}

	// Decode base64, write PS1, execute, cleanup
	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s'; exit $LASTEXITCODE } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	return shell.Execute("powershell.exe", powershellArgs(encodePowerShell(decodeAndRun), elevated)...)
}

// getSession returns the cached or a new WinRM client.
func (c *Communicator) getSession() (*gowinrm.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if time.Since(c.session.createdAt) < sessionMaxAge {
			return c.session.client, nil
		}
		log.Printf("[winrm] Session expired for %s, refreshing", c.target.Hostname)
	}

	port := resolvePort(c.target)
	endpoint := gowinrm.NewEndpoint(c.target.Hostname, port, c.target.UseSSL, !c.target.VerifySSL, nil, nil, nil, 120*time.Second)

	// NTLM works for both local and domain accounts; Basic is rarely enabled.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, c.target.Username, c.target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", c.target.Hostname, err)
	}

	c.session = &cachedSession{client: client, createdAt: time.Now()}
	log.Printf("[winrm] New session for %s:%d (ssl=%v)", c.target.Hostname, port, c.target.UseSSL)
	return client, nil
}

// InvalidateSession drops the cached client so the next command reconnects.
func (c *Communicator) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		log.Printf("[winrm] Invalidated session for %s", c.target.Hostname)
	}
	c.session = nil
}

// --- Helpers ---

// runSimple runs a command to completion, discarding output.
func runSimple(ctx context.Context, shell *gowinrm.Shell, command string, args ...string) error {
	cmd, err := shell.Execute(command, args...)
	if err != nil {
		return err
	}
	defer cmd.Close()

	stop := context.AfterFunc(ctx, func() { cmd.Close() })
	defer stop()

	sink := guest.NewLineSink(nil)
	sink.DrainBoth(cmd.Stdout, cmd.Stderr)
	cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cmd.ExitCode() != 0 {
		return fmt.Errorf("exit %d: %s", cmd.ExitCode(), strings.TrimSpace(sink.Stderr()))
	}
	return nil
}

func resolvePort(t *Target) int {
	if t.Port != 0 {
		return t.Port
	}
	if t.UseSSL {
		return 5986
	}
	return 5985
}

func powershellArgs(encoded string, elevated bool) []string {
	args := []string{"-NoProfile", "-NonInteractive"}
	if elevated {
		args = append(args, "-ExecutionPolicy", "Bypass")
	}
	return append(args, "-EncodedCommand", encoded)
}

// translateCommand rewrites the POSIX-style probes the engine issues into
// their PowerShell equivalents.
func translateCommand(command string) string {
	trimmed := strings.TrimSpace(command)
	if rest, ok := strings.CutPrefix(trimmed, "which "); ok {
		name := strings.TrimSpace(rest)
		return fmt.Sprintf(`$c = Get-Command '%s' -ErrorAction SilentlyContinue; if ($c) { exit 0 } else { exit 1 }`, psQuote(name))
	}
	return command
}

// encodePowerShell encodes a script for PowerShell's -EncodedCommand parameter.
// PowerShell expects UTF-16LE base64.
func encodePowerShell(script string) string {
	encoded, err := utf16le.NewEncoder().String(script)
	if err != nil {
		// Only reachable for invalid UTF-8, which the encoder replaces anyway.
		encoded = script
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded))
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// windowsPath converts a guest path to backslash form for cmd.exe.
func windowsPath(p string) string {
	return strings.ReplaceAll(path.Clean(p), "/", `\`)
}

// psQuote escapes a value for a single-quoted PowerShell string.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// echoChunk writes one base64 chunk to path with cmd.exe. The space before
// the redirect keeps a trailing digit from being read as a handle number
// ("abc1>>f" redirects handle 1); the decoder strips whitespace.
func echoChunk(chunk, path string, appendTo bool) string {
	op := ">"
	if appendTo {
		op = ">>"
	}
	return fmt.Sprintf(`echo %s %s"%s"`, chunk, op, path)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
