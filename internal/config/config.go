package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"

	"espflash/internal/firmware"
)

// Source modes.
const (
	ModeRemote  = "remote"
	ModeArchive = "archive"
)

// Source describes where firmware images come from.
type Source struct {
	Mode string `json:"mode"`
	// BackendURL serves /api/firmware/{chip} and /firmware/{chip}/{file}.
	BackendURL string `json:"backendURL"`
	// ArchiveURL points at a zipped release. "{chip}" is replaced with the
	// selected chip.
	ArchiveURL string `json:"archiveURL"`
	// ProxyURL is prefixed verbatim to ArchiveURL when set.
	ProxyURL           string `json:"proxyURL"`
	Sequential         bool   `json:"sequential"`
	MaxParallel        int    `json:"maxParallel"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds"`
}

// HTTPTimeout returns the per-request timeout.
func (s Source) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

// BaudRates selects the link speed per chip.
type BaudRates struct {
	// ROM is the rate the ROM bootloader is synced at.
	ROM              int      `json:"rom"`
	Default          int      `json:"default"`
	Constrained      int      `json:"constrained"`
	ConstrainedChips []string `json:"constrainedChips"`
}

// For returns the flashing baud rate for chip.
func (b BaudRates) For(chip string) int {
	for _, c := range b.ConstrainedChips {
		if strings.EqualFold(c, chip) {
			return b.Constrained
		}
	}
	return b.Default
}

// Config is the persisted application configuration.
type Config struct {
	Source      Source           `json:"source"`
	Chips       []string         `json:"chips"`
	DefaultChip string           `json:"defaultChip"`
	Flash       firmware.Options `json:"flash"`
	BaudRates   BaudRates        `json:"baudRates"`
	MonitorBaud int              `json:"monitorBaud"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Source: Source{
			Mode:               ModeRemote,
			BackendURL:         "http://127.0.0.1:8000",
			MaxParallel:        4,
			HTTPTimeoutSeconds: 60,
		},
		Chips:       []string{"esp32", "esp32s3", "esp32c3"},
		DefaultChip: "esp32",
		Flash:       firmware.DefaultOptions(),
		BaudRates: BaudRates{
			ROM:              115200,
			Default:          921600,
			Constrained:      115200,
			ConstrainedChips: []string{"esp32c3"},
		},
		MonitorBaud: 115200,
	}
}

// DefaultPath returns the config file location inside the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(dir, "ESPReleaseFlasher", "config.json"), nil
}

// Load reads the configuration at path. A missing file yields the defaults,
// which are written back so the operator has something to edit.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			glog.Infof("Config file %q not found, using defaults", path)
			cfg := Default()
			if err := cfg.Save(path); err != nil {
				glog.Warningf("Could not write default config: %v", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	glog.Infof("Loaded config from %q", path)
	return &cfg, nil
}

// fillDefaults back-fills fields missing from older config files.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Source.Mode == "" {
		c.Source.Mode = def.Source.Mode
	}
	if c.Source.MaxParallel <= 0 {
		c.Source.MaxParallel = def.Source.MaxParallel
	}
	if c.Source.HTTPTimeoutSeconds <= 0 {
		c.Source.HTTPTimeoutSeconds = def.Source.HTTPTimeoutSeconds
	}
	if len(c.Chips) == 0 {
		c.Chips = def.Chips
	}
	if c.DefaultChip == "" {
		c.DefaultChip = c.Chips[0]
	}
	if c.Flash.Mode == "" {
		c.Flash.Mode = firmware.Keep
	}
	if c.Flash.Size == "" {
		c.Flash.Size = firmware.Keep
	}
	if c.Flash.Frequency == "" {
		c.Flash.Frequency = firmware.Keep
	}
	if c.BaudRates.ROM == 0 {
		c.BaudRates.ROM = def.BaudRates.ROM
	}
	if c.BaudRates.Default == 0 {
		c.BaudRates.Default = def.BaudRates.Default
	}
	if c.BaudRates.Constrained == 0 {
		c.BaudRates.Constrained = def.BaudRates.Constrained
	}
	if c.BaudRates.ConstrainedChips == nil {
		c.BaudRates.ConstrainedChips = def.BaudRates.ConstrainedChips
	}
	if c.MonitorBaud == 0 {
		c.MonitorBaud = def.MonitorBaud
	}
}

// Validate checks that the selected source mode is usable.
func (c *Config) Validate() error {
	switch c.Source.Mode {
	case ModeRemote:
		if c.Source.BackendURL == "" {
			return errors.New("config: source.backendURL is required in remote mode")
		}
	case ModeArchive:
		if c.Source.ArchiveURL == "" {
			return errors.New("config: source.archiveURL is required in archive mode")
		}
	default:
		return fmt.Errorf("config: unknown source mode %q", c.Source.Mode)
	}
	return nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	glog.V(1).Infof("Saved config to %q", path)
	return nil
}
