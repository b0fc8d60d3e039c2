// Package config loads and validates the lanwatch daemon configuration file.
// Runtime-tunable settings (scheduler intervals, source priority, exclusion
// list) live in the settings table instead; this file only holds what is
// needed to boot the process.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/lanwatch/internal/db"
	"github.com/anstrom/lanwatch/internal/errors"
	"github.com/anstrom/lanwatch/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon" json:"daemon"`
	Database  db.Config       `yaml:"database" json:"database"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	PortScan  PortScanConfig  `yaml:"port_scan" json:"port_scan"`
	Plugins   PluginsConfig   `yaml:"plugins" json:"plugins"`
	Ops       OpsConfig       `yaml:"ops" json:"ops"`
	Logging   logging.Config  `yaml:"logging" json:"logging"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file path; empty disables the PID file
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`

	// Apply pending migrations before the scheduler starts
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`
}

// DiscoveryConfig controls how scan cycles probe the network.
type DiscoveryConfig struct {
	// CIDR to sweep; empty means detect from the first usable interface
	NetworkRange string `yaml:"network_range" json:"network_range" validate:"omitempty,cidrv4"`

	// Interface used for ARP probes during quick scans
	Interface string `yaml:"interface" json:"interface"`

	// Maximum concurrent per-address probes within one cycle
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=1024"`

	// Probe pacing in probes per second; zero disables pacing
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" validate:"gte=0"`

	// Timeout for a single address probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// Path to the nmap binary; empty means search PATH
	NmapPath string `yaml:"nmap_path" json:"nmap_path"`

	// DNS server used for PTR lookups, host:port
	DNSServer string `yaml:"dns_server" json:"dns_server" validate:"omitempty,hostname_port"`
}

// PortScanConfig holds defaults for background port probing.
type PortScanConfig struct {
	PortRange   string        `yaml:"port_range" json:"port_range" validate:"required"`
	HostTimeout time.Duration `yaml:"host_timeout" json:"host_timeout" validate:"gt=0"`
	MaxHosts    int           `yaml:"max_hosts" json:"max_hosts" validate:"gte=1"`
	NmapPath    string        `yaml:"nmap_path" json:"nmap_path"`
}

// PluginsConfig enables the bundled stat providers.
type PluginsConfig struct {
	MDNS MDNSConfig `yaml:"mdns" json:"mdns"`
	SNMP SNMPConfig `yaml:"snmp" json:"snmp"`
}

// MDNSConfig configures the zeroconf browser.
type MDNSConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Services []string      `yaml:"services" json:"services" validate:"required_if=Enabled true"`
	Domain   string        `yaml:"domain" json:"domain"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// SNMPConfig configures ARP table polling from routers and switches.
type SNMPConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Targets   []string      `yaml:"targets,omitempty" json:"targets,omitempty" validate:"required_if=Enabled true,dive,ip4_addr"`
	Community string        `yaml:"community" json:"community"`
	Port      uint16        `yaml:"port" json:"port"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Retries   int           `yaml:"retries" json:"retries" validate:"gte=0"`
}

// OpsConfig controls the operational HTTP listener. Besides metrics and
// health it carries the scan control routes CLI commands use while the
// daemon runs.
type OpsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Port       int    `yaml:"port" json:"port" validate:"omitempty,gte=1,lte=65535"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShutdownTimeout: 30 * time.Second,
			AutoMigrate:     true,
		},
		Database: db.DefaultConfig(),
		Discovery: DiscoveryConfig{
			Concurrency:   32,
			RatePerSecond: 100,
			ProbeTimeout:  5 * time.Second,
		},
		PortScan: PortScanConfig{
			PortRange:   "1-1024",
			HostTimeout: 2 * time.Minute,
			MaxHosts:    50,
		},
		Plugins: PluginsConfig{
			MDNS: MDNSConfig{
				Services: []string{"_workstation._tcp", "_http._tcp", "_googlecast._tcp", "_airplay._tcp"},
				Domain:   "local.",
				Timeout:  5 * time.Second,
			},
			SNMP: SNMPConfig{
				Community: "public",
				Port:      161,
				Timeout:   3 * time.Second,
				Retries:   1,
			},
		},
		Ops: OpsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       9310,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// yaml.v3 parses JSON documents as well, so the extension only matters for the message.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse %s config", formatName(path)), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func formatName(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "JSON"
	default:
		return "YAML"
	}
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.ErrConfigInvalid("database.host", c.Database.Host)
	}
	if c.Database.Database == "" {
		return errors.ErrConfigInvalid("database.database", c.Database.Database)
	}
	if c.Database.Username == "" {
		return errors.ErrConfigInvalid("database.username", c.Database.Username)
	}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed on '%s' rule", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if c.Ops.Enabled && net.ParseIP(c.Ops.ListenAddr) == nil && c.Ops.ListenAddr != "" {
		return errors.ErrConfigInvalid("ops.listen_addr", c.Ops.ListenAddr)
	}

	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrs
	}
	return ok
}

// OpsAddress returns the listen address of the ops server.
func (c *Config) OpsAddress() string {
	return net.JoinHostPort(c.Ops.ListenAddr, fmt.Sprintf("%d", c.Ops.Port))
}
