package script

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/osiriscare/domainjoin/internal/guest"
)

// DefaultGuestPath is where every runner script is uploaded. Join, leave
// and DSC flows share it so cleanup always targets what was written.
const DefaultGuestPath = "c:/tmp/domainjoin-runner.ps1"

// Artifact is a script uploaded to the guest.
type Artifact struct {
	GuestPath string
}

// Materializer uploads, runs and removes the runner script on one guest.
type Materializer struct {
	comm       guest.Communicator
	guestPath  string
	stagingDir string
}

// NewMaterializer returns a materializer writing to guestPath (or
// DefaultGuestPath when empty), staging through stagingDir (or the OS temp
// dir when empty).
func NewMaterializer(comm guest.Communicator, guestPath, stagingDir string) *Materializer {
	if guestPath == "" {
		guestPath = DefaultGuestPath
	}
	return &Materializer{comm: comm, guestPath: guestPath, stagingDir: stagingDir}
}

// GuestPath returns the fixed artifact path.
func (m *Materializer) GuestPath() string { return m.guestPath }

// Write stages content in a local temp file and uploads it. The staging
// file is removed before returning, whether or not the upload succeeded.
func (m *Materializer) Write(ctx context.Context, content string) (Artifact, error) {
	f, err := os.CreateTemp(m.stagingDir, "domainjoin-runner-*.ps1")
	if err != nil {
		return Artifact{}, fmt.Errorf("create staging file: %w", err)
	}
	staged := f.Name()
	defer os.Remove(staged)

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return Artifact{}, fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Artifact{}, fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close staging file: %w", err)
	}

	if err := m.comm.Upload(ctx, staged, m.guestPath); err != nil {
		return Artifact{}, fmt.Errorf("upload runner script: %w", err)
	}
	return Artifact{GuestPath: m.guestPath}, nil
}

// Execute dot-sources the uploaded script elevated. Output lines go to out
// as they arrive; an unexpected exit is returned as a muted *guest.ExecError.
func (m *Materializer) Execute(ctx context.Context, out guest.OutputFunc) error {
	return m.comm.Sudo(ctx, ExecuteCommand(m.guestPath), ExecuteOptions(), out)
}

// Remove deletes the uploaded script from the guest.
func (m *Materializer) Remove(ctx context.Context) error {
	return m.comm.Sudo(ctx, RemoveCommand(m.guestPath), guest.ExecOptions{}, nil)
}

// UploadTree copies every regular file under localDir to guestDir,
// preserving relative paths.
func (m *Materializer) UploadTree(ctx context.Context, localDir, guestDir string) (int, error) {
	count := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dest := path.Join(guestDir, filepath.ToSlash(rel))
		if err := m.comm.Upload(ctx, p, dest); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	log.Printf("[script] Uploaded %d files from %s to %s", count, localDir, guestDir)
	return count, nil
}

// ExecuteCommand is the command that runs the script at guestPath.
func ExecuteCommand(guestPath string) string {
	return ". '" + guestPath + "'"
}

// ExecuteOptions classify runner exits: only 0 is good and the error
// carries no output, since it has already been streamed.
func ExecuteOptions() guest.ExecOptions {
	return guest.ExecOptions{
		Elevated: true,
		ErrorKey: guest.ErrBadExitStatusMuted,
		GoodExit: []int{0},
		Shell:    guest.ShellPowerShell,
	}
}

// RemoveCommand deletes the script at guestPath.
func RemoveCommand(guestPath string) string {
	return "del " + guestPath
}
