package guesttest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/osiriscare/domainjoin/internal/guest"
)

func TestUploadMissingLocalFileFails(t *testing.T) {
	f := New(guest.WinRM)
	missing := filepath.Join(t.TempDir(), "gone.ps1")

	err := f.Upload(context.Background(), missing, "c:/tmp/runner.ps1")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	calls := f.Calls()
	if len(calls) != 1 || calls[0].ReadErr == nil || calls[0].Content != "" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestUploadRecordsContent(t *testing.T) {
	f := New(guest.WinRM)
	local := filepath.Join(t.TempDir(), "runner.ps1")
	if err := os.WriteFile(local, []byte("Add-Computer"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.Upload(context.Background(), local, "c:/tmp/runner.ps1"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.UploadErr = errors.New("connection reset")
	if err := f.Upload(context.Background(), local, "c:/tmp/runner.ps1"); err == nil {
		t.Fatal("expected scripted upload error")
	}

	calls := f.Calls()
	if len(calls) != 2 || calls[0].Content != "Add-Computer" || calls[0].ReadErr != nil {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if got := f.Commands(); got[0] != "upload c:/tmp/runner.ps1" {
		t.Fatalf("unexpected commands %v", got)
	}
}
