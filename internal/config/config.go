// Package config handles configuration loading from an optional YAML file,
// environment variables, and CLI flags, in that ascending order of
// precedence (flags are applied by the caller after Load).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy  ProxyConfig  `yaml:"proxy"`
	Egress EgressConfig `yaml:"egress"`
}

// ProxyConfig configures the HTTP/TLS proxy listener and its trust store.
type ProxyConfig struct {
	Listen   string `yaml:"listen"`    // e.g., "localhost:9090"
	Host     string `yaml:"host"`      // Bind host, used when Listen is unset
	Port     int    `yaml:"port"`      // Bind port, used when Listen is unset
	TrustDir string `yaml:"trust_dir"` // Directory holding the CA key/cert
}

// EgressConfig configures the optional fingerprinted TLS egress provider
// An empty Socket means upstream TLS dials use the standard
// library directly, with no fingerprint impersonation.
type EgressConfig struct {
	Socket      string `yaml:"socket"`
	Fingerprint string `yaml:"fingerprint"`
}

// DefaultConfig returns a Config with the proxy's default listen address
// and no egress provider configured.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "localhost:9090",
		},
	}
}

// ConfigDir returns the platform-specific directory siphon uses for its
// CA material when no -trust-dir is given.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "siphon"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "siphon"), nil
	}
}

// DefaultTrustDir returns the default CA directory, a "certs" subdirectory
// of ConfigDir.
func DefaultTrustDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "certs"), nil
}

// Load reads configuration from an optional YAML file at path, then
// applies environment variable overrides. A missing file is not an
// error: Load returns the defaults instead, since no config file is
// required to run (ambient convenience only).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	trustDir, err := DefaultTrustDir()
	if err != nil {
		return nil, fmt.Errorf("getting default trust dir: %w", err)
	}
	cfg.Proxy.TrustDir = trustDir

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies SIPHON_* environment variable overrides, which
// take precedence over a loaded config file but not over CLI flags.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SIPHON_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("SIPHON_TRUST_DIR"); v != "" {
		c.Proxy.TrustDir = v
	}
	if v := os.Getenv("SIPHON_EGRESS_SOCKET"); v != "" {
		c.Egress.Socket = v
	}
}

// ListenAddr returns the listen address, preferring the combined Listen
// field over the separate Host/Port fields.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}
