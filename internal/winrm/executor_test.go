package winrm

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf16"

	"github.com/osiriscare/domainjoin/internal/guest"
)

func TestEncodePowerShell(t *testing.T) {
	// PowerShell -EncodedCommand expects UTF-16LE base64
	script := "Get-Date"
	encoded := encodePowerShell(script)

	// UTF-16LE: 47 00 65 00 74 00 2D 00 44 00 61 00 74 00 65 00
	expected := "RwBlAHQALQBEAGEAdABlAA=="
	if encoded != expected {
		t.Fatalf("expected %s, got %s", expected, encoded)
	}
}

func TestEncodePowerShellNonASCII(t *testing.T) {
	script := "Write-Output 'pässwörd'"
	raw, err := base64.StdEncoding.DecodeString(encodePowerShell(script))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw)%2 != 0 {
		t.Fatalf("odd byte count %d", len(raw))
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}
	if got := string(utf16.Decode(units)); got != script {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestSplitString(t *testing.T) {
	tests := []struct {
		input    string
		size     int
		expected int
	}{
		{"hello", 3, 2},
		{"hello", 10, 1},
		{"", 5, 0},
		{"abcdef", 2, 3},
		{"abcdefg", 3, 3},
	}

	for _, tt := range tests {
		chunks := splitString(tt.input, tt.size)
		if len(chunks) != tt.expected {
			t.Fatalf("splitString(%q, %d) = %d chunks, want %d", tt.input, tt.size, len(chunks), tt.expected)
		}
		if joined := strings.Join(chunks, ""); joined != tt.input {
			t.Fatalf("reassembled %q, want %q", joined, tt.input)
		}
	}
}

func TestEchoChunkSeparatesTrailingDigit(t *testing.T) {
	tests := []struct {
		chunk    string
		appendTo bool
		want     string
	}{
		{"QUJDRA1", true, `echo QUJDRA1 >>"C:\tmp\x.b64"`},
		{"QUJDRA9", false, `echo QUJDRA9 >"C:\tmp\x.b64"`},
		{"QUJD+/==", true, `echo QUJD+/== >>"C:\tmp\x.b64"`},
	}
	for _, tt := range tests {
		got := echoChunk(tt.chunk, `C:\tmp\x.b64`, tt.appendTo)
		if got != tt.want {
			t.Fatalf("echoChunk(%q) = %q, want %q", tt.chunk, got, tt.want)
		}
		if strings.Contains(got, tt.chunk+">") {
			t.Fatalf("chunk %q touches the redirect in %q", tt.chunk, got)
		}
	}
}

func TestTranslateCommand(t *testing.T) {
	got := translateCommand("which Add-Computer")
	if !strings.Contains(got, "Get-Command 'Add-Computer'") {
		t.Fatalf("which should become Get-Command, got %q", got)
	}
	if !strings.Contains(got, "exit 1") {
		t.Fatalf("missing command must exit non-zero: %q", got)
	}

	passthrough := "del c:/tmp/domainjoin-runner.ps1"
	if translateCommand(passthrough) != passthrough {
		t.Fatal("non-probe commands must pass through unchanged")
	}
}

func TestPowershellArgs(t *testing.T) {
	args := powershellArgs("abc", false)
	if strings.Contains(strings.Join(args, " "), "Bypass") {
		t.Fatalf("non-elevated should not bypass policy: %v", args)
	}
	args = powershellArgs("abc", true)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-ExecutionPolicy Bypass") {
		t.Fatalf("elevated should bypass policy: %v", args)
	}
	if args[len(args)-1] != "abc" || args[len(args)-2] != "-EncodedCommand" {
		t.Fatalf("encoded command must be last: %v", args)
	}
}

func TestResolvePort(t *testing.T) {
	tests := []struct {
		target Target
		want   int
	}{
		{Target{}, 5985},
		{Target{UseSSL: true}, 5986},
		{Target{Port: 15985}, 15985},
	}
	for _, tt := range tests {
		if got := resolvePort(&tt.target); got != tt.want {
			t.Fatalf("resolvePort(%+v) = %d, want %d", tt.target, got, tt.want)
		}
	}
}

func TestWindowsPathAndQuote(t *testing.T) {
	if got := windowsPath("c:/tmp/domainjoin-runner.ps1"); got != `c:\tmp\domainjoin-runner.ps1` {
		t.Fatalf("windowsPath = %q", got)
	}
	if got := psQuote("it's"); got != "it''s" {
		t.Fatalf("psQuote = %q", got)
	}
}

func TestKind(t *testing.T) {
	if New(&Target{Hostname: "ws01"}).Kind() != guest.WinRM {
		t.Fatal("expected winrm kind")
	}
}

func TestInvalidateSession(t *testing.T) {
	c := New(&Target{Hostname: "nonexistent"})
	// Invalidating without a session should not panic
	c.InvalidateSession()
	if c.session != nil {
		t.Fatal("session should be nil")
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	c := New(&Target{Hostname: "192.0.2.1"})
	err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.ps1"), "c:/tmp/x.ps1")
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestShellFailsWithoutConnection(t *testing.T) {
	c := New(&Target{
		Hostname: "192.168.88.999", // Invalid IP
		Port:     5986,
		Username: "admin",
		Password: "pass",
		UseSSL:   true,
	})

	err := c.Shell(context.Background(), "Get-Date", nil)
	if err == nil {
		t.Fatal("expected failure for invalid target")
	}
	if c.session != nil {
		t.Fatal("failed shell creation should invalidate the session")
	}
}
