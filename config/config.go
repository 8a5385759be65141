// Package config provides configuration management for tsvpn.
// It handles loading, saving, and validating orchestrator settings.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chillshell/tsvpn/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// SocketPath is the tailscaled LocalAPI socket. Empty selects the
	// platform default.
	SocketPath string `yaml:"socket_path,omitempty"`
	// LoginTimeout bounds a whole interactive login.
	LoginTimeout time.Duration `yaml:"login_timeout"`
	// RequestTimeout bounds a single LocalAPI request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// AllowedLoginHosts lists the control-plane domains whose login URLs may
	// be opened. A URL host must equal one of them or be a subdomain.
	AllowedLoginHosts []string `yaml:"allowed_login_hosts"`
	// Tunnel configures the local TUN device.
	Tunnel TunnelConfig `yaml:"tunnel"`
	// PolkitAction is the polkit action checked before creating the tunnel.
	PolkitAction string `yaml:"polkit_action"`
	// InstallSource tags how this build was installed ("github", "deb", ...).
	InstallSource string `yaml:"install_source"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// OpenBrowser opens validated login URLs automatically.
	OpenBrowser bool `yaml:"open_browser"`
	// StateDB is the path of the encrypted state database. Empty selects
	// the data directory.
	StateDB string `yaml:"state_db,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// TunnelConfig holds the settings of the local TUN device.
type TunnelConfig struct {
	Name   string `yaml:"name"`
	MTU    int    `yaml:"mtu"`
	Fwmark uint32 `yaml:"fwmark"`
	// ExcludedRoutes are prefixes that always bypass the tunnel.
	ExcludedRoutes []string `yaml:"excluded_routes,omitempty"`
}

// DefaultAllowedLoginHosts are the Tailscale control-plane domains.
var DefaultAllowedLoginHosts = []string{
	"tailscale.com",
	"login.tailscale.com",
	"controlplane.tailscale.com",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LoginTimeout:      common.LoginTimeout,
		RequestTimeout:    common.RequestTimeout,
		AllowedLoginHosts: append([]string(nil), DefaultAllowedLoginHosts...),
		Tunnel: TunnelConfig{
			Name:   common.DefaultTunnelName,
			MTU:    common.DefaultMTU,
			Fwmark: common.DefaultFwmark,
		},
		PolkitAction:      "org.freedesktop.NetworkManager.network-control",
		InstallSource:     "unknown",
		ShowNotifications: true,
		OpenBrowser:       true,
		LogLevel:          "info",
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile loads the configuration from path, writing defaults there if
// the file doesn't exist.
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveFile(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are valid. Out-of-range
// values fall back to defaults; malformed routes are rejected.
func (c *Config) validate() error {
	def := DefaultConfig()
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = def.LoginTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Tunnel.Name == "" {
		c.Tunnel.Name = def.Tunnel.Name
	}
	// IPv6 requires at least 1280.
	if c.Tunnel.MTU < 1280 || c.Tunnel.MTU > 65535 {
		c.Tunnel.MTU = def.Tunnel.MTU
	}
	if c.Tunnel.Fwmark == 0 {
		c.Tunnel.Fwmark = def.Tunnel.Fwmark
	}

	hosts := c.AllowedLoginHosts[:0]
	for _, h := range c.AllowedLoginHosts {
		h = strings.ToLower(strings.Trim(strings.TrimSpace(h), "."))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = def.AllowedLoginHosts
	}
	c.AllowedLoginHosts = hosts

	if _, err := c.ExcludedPrefixes(); err != nil {
		return err
	}
	return nil
}

// ExcludedPrefixes parses Tunnel.ExcludedRoutes. A bare address is taken
// as a single-host prefix.
func (c *Config) ExcludedPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, r := range c.Tunnel.ExcludedRoutes {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			a, err := netip.ParseAddr(r)
			if err != nil {
				return nil, fmt.Errorf("excluded route %q: %w", r, err)
			}
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("excluded route %q: %w", r, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// StateDBPath returns StateDB or the default database location.
func (c *Config) StateDBPath() (string, error) {
	if c.StateDB != "" {
		return c.StateDB, nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.StateDBName), nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(configPath)
}

// SaveFile saves the configuration to configPath.
func (c *Config) SaveFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}

	return nil
}

func getConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
