package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "domainjoin.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Communicator != "winrm" {
		t.Fatalf("unexpected communicator: %s", cfg.Communicator)
	}
	if !cfg.Restart || cfg.RestartDelay != 10 {
		t.Fatalf("unexpected restart defaults: %v %d", cfg.Restart, cfg.RestartDelay)
	}
	if cfg.GuestScriptPath != "c:/tmp/domainjoin-runner.ps1" {
		t.Fatalf("unexpected guest script path: %s", cfg.GuestScriptPath)
	}
	if cfg.Username != nil || cfg.Password != nil {
		t.Fatal("credentials must default to absent")
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
domain: foo.com
computer_name: WEB01
ou_path: "OU=Servers,DC=foo,DC=com"
username: "FOO\\admin"
password: hunter2
host: 10.0.0.5
use_ssl: true
restart_delay: 30
module_path:
  - modules
  - vendor/modules
manifests_path: manifests
configuration_file: MyWebsite.ps1
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Domain != "foo.com" || cfg.ComputerName != "WEB01" {
		t.Fatalf("unexpected domain settings: %+v", cfg)
	}
	if cfg.Username == nil || *cfg.Username != `FOO\admin` {
		t.Fatalf("unexpected username: %v", cfg.Username)
	}
	if cfg.Password == nil || *cfg.Password != "hunter2" {
		t.Fatal("password not loaded")
	}
	if cfg.Port != 5986 {
		t.Fatalf("expected SSL port 5986, got %d", cfg.Port)
	}
	if cfg.RestartDelay != 30 {
		t.Fatalf("unexpected restart_delay: %d", cfg.RestartDelay)
	}
	if len(cfg.ModulePath) != 2 || cfg.ModulePath[1] != "vendor/modules" {
		t.Fatalf("unexpected module_path: %v", cfg.ModulePath)
	}
}

func TestLoadConfigDefaultPorts(t *testing.T) {
	tests := []struct {
		content string
		port    int
	}{
		{"host: h", 5985},
		{"host: h\nuse_ssl: true", 5986},
		{"host: h\ncommunicator: SSH", 22},
		{"host: h\nport: 15985", 15985},
	}
	for _, tt := range tests {
		cfg, err := LoadConfig(writeConfig(t, tt.content))
		if err != nil {
			t.Fatalf("LoadConfig(%q): %v", tt.content, err)
		}
		if cfg.Port != tt.port {
			t.Errorf("LoadConfig(%q) port = %d, want %d", tt.content, cfg.Port, tt.port)
		}
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing host", "domain: foo.com"},
		{"bad communicator", "host: h\ncommunicator: telnet"},
		{"bad port", "host: h\nport: 70000"},
		{"configuration without manifests", "host: h\nconfiguration_file: Site.ps1"},
		{"bad yaml", "host: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigRestartDelayClamping(t *testing.T) {
	for _, delay := range []string{"-5", "0", "4"} {
		cfg, _ := LoadConfig(writeConfig(t, "host: h\nrestart_delay: "+delay))
		if cfg.RestartDelay != 5 {
			t.Fatalf("restart_delay %s: expected clamped to 5, got %d", delay, cfg.RestartDelay)
		}
	}

	cfg, _ := LoadConfig(writeConfig(t, "host: h\nrestart_delay: 5"))
	if cfg.RestartDelay != 5 {
		t.Fatalf("expected 5 kept, got %d", cfg.RestartDelay)
	}

	cfg, _ = LoadConfig(writeConfig(t, "host: h\nrestart_delay: 9999"))
	if cfg.RestartDelay != 600 {
		t.Fatalf("expected clamped to 600, got %d", cfg.RestartDelay)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `host: h
username: fromfile
log_level: info`)

	t.Setenv("DOMAINJOIN_USERNAME", "fromenv")
	t.Setenv("DOMAINJOIN_PASSWORD", "")
	t.Setenv("DOMAINJOIN_UNSECURE", "yes")
	t.Setenv("GUEST_PASSWORD", "vagrant")
	t.Setenv("STATE_DIR", "/tmp/dj-state")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if *cfg.Username != "fromenv" {
		t.Fatalf("env should override username, got %s", *cfg.Username)
	}
	// An empty password in the environment counts as supplied.
	if cfg.Password == nil || *cfg.Password != "" {
		t.Fatal("empty DOMAINJOIN_PASSWORD should be kept as-is")
	}
	if !cfg.Unsecure {
		t.Fatal("env override should set unsecure")
	}
	if cfg.GuestPassword == nil || *cfg.GuestPassword != "vagrant" {
		t.Fatal("guest password not overridden")
	}
	if cfg.StateDir != "/tmp/dj-state" {
		t.Fatalf("unexpected state dir: %s", cfg.StateDir)
	}
	if !cfg.Debug() {
		t.Fatalf("env override should set log_level=DEBUG, got %s", cfg.LogLevel)
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/domainjoin"}

	if cfg.JournalPath() != "/var/lib/domainjoin/journal.json" {
		t.Fatalf("unexpected journal path: %s", cfg.JournalPath())
	}
	if cfg.SigningKeyPath() != "/var/lib/domainjoin/journal.key" {
		t.Fatalf("unexpected key path: %s", cfg.SigningKeyPath())
	}
}
