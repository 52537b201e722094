// Package config loads the domainjoin run configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything a join, leave or DSC run needs.
type Config struct {
	// Domain
	Domain                   string `yaml:"domain"`
	ComputerName             string `yaml:"computer_name"`
	OUPath                   string `yaml:"ou_path"`
	DomainController         string `yaml:"domain_controller"`
	DiscoverDomainController bool   `yaml:"discover_domain_controller"`

	// Domain account. Nil means the operator is prompted.
	Username *string `yaml:"username,omitempty"`
	Password *string `yaml:"password,omitempty"`
	Unsecure bool    `yaml:"unsecure"`

	// Restart
	Restart      bool `yaml:"restart"`
	RestartDelay int  `yaml:"restart_delay"` // seconds

	// Guest connection
	Communicator    string  `yaml:"communicator"` // winrm or ssh
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port"`
	UseSSL          bool    `yaml:"use_ssl"`
	VerifySSL       bool    `yaml:"verify_ssl"`
	GuestUsername   string  `yaml:"guest_username"`
	GuestPassword   *string `yaml:"guest_password,omitempty"`
	GuestScriptPath string  `yaml:"guest_script_path"`

	// DSC
	ModulePath        []string `yaml:"module_path"`
	ManifestsPath     string   `yaml:"manifests_path"`
	ConfigurationFile string   `yaml:"configuration_file"`
	ConfigurationName string   `yaml:"configuration_name"`

	// Paths
	StateDir       string `yaml:"state_dir"`
	JournalEnabled bool   `yaml:"journal_enabled"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		Restart:         true,
		RestartDelay:    10,
		Communicator:    "winrm",
		VerifySSL:       true,
		GuestUsername:   "Administrator",
		GuestScriptPath: "c:/tmp/domainjoin-runner.ps1",
		StateDir:        defaultStateDir(),
		JournalEnabled:  true,
		LogLevel:        "INFO",
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets stay out of the config file.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("DOMAINJOIN_USERNAME"); ok {
		c.Username = &v
	}
	if v, ok := os.LookupEnv("DOMAINJOIN_PASSWORD"); ok {
		c.Password = &v
	}
	if v := os.Getenv("DOMAINJOIN_UNSECURE"); v != "" {
		c.Unsecure = !isFalsy(v)
	}
	if v, ok := os.LookupEnv("GUEST_PASSWORD"); ok {
		c.GuestPassword = &v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToUpper(v)
	}
}

const (
	minRestartDelay = 5
	maxRestartDelay = 600
)

// Validate checks required fields and normalises ranges and defaults.
func (c *Config) Validate() error {
	c.Communicator = strings.ToLower(strings.TrimSpace(c.Communicator))
	if c.Communicator != "winrm" && c.Communicator != "ssh" {
		return fmt.Errorf("communicator must be winrm or ssh, got %q", c.Communicator)
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Port == 0 {
		c.Port = c.defaultPort()
	}

	// The runner script is deleted after the restart is scheduled, so the
	// guest must stay up long enough for that call to land.
	if c.RestartDelay < minRestartDelay {
		c.RestartDelay = minRestartDelay
	}
	if c.RestartDelay > maxRestartDelay {
		c.RestartDelay = maxRestartDelay
	}

	if c.ConfigurationFile != "" && c.ManifestsPath == "" {
		return fmt.Errorf("configuration_file requires manifests_path")
	}

	c.LogLevel = strings.ToUpper(c.LogLevel)
	if c.Unsecure && (c.Username != nil || c.Password != nil) {
		log.Printf("[config] WARNING: unsecure is set, username and password will be ignored")
	}
	return nil
}

func (c *Config) defaultPort() int {
	if c.Communicator == "ssh" {
		return 22
	}
	if c.UseSSL {
		return 5986
	}
	return 5985
}

// JournalPath returns the run journal file.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.json")
}

// SigningKeyPath returns the journal signing key.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.StateDir, "journal.key")
}

// Debug reports whether verbose logging was requested.
func (c *Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "domainjoin")
	}
	return ".domainjoin"
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
