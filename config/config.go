// Package config loads the isolation settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"hostisolation/isolation"

	"gopkg.in/yaml.v3"
)

// Enforcement modes.
const (
	ModeEnforce = "enforce"
	ModeAudit   = "audit"
)

type Config struct {
	Interface  string   `yaml:"interface"`
	Mode       string   `yaml:"mode"`
	Directions []string `yaml:"directions"`
	Headless   bool     `yaml:"headless"`
	Events     bool     `yaml:"events"`

	// DropEventRate caps drop events shown per second; zero shows all.
	DropEventRate float64 `yaml:"drop_event_rate"`

	Tables  Tables  `yaml:"tables"`
	Policy  Policy  `yaml:"policy"`
	Audit   Audit   `yaml:"audit"`
	Metrics Metrics `yaml:"metrics"`
}

type Tables struct {
	Processes int    `yaml:"processes"`
	Addresses int    `yaml:"addresses"`
	Eviction  string `yaml:"eviction"`
}

type Policy struct {
	PIDs      []uint32      `yaml:"pids"`
	Processes []string      `yaml:"processes"`
	Refresh   time.Duration `yaml:"refresh"`
}

type Audit struct {
	Poll time.Duration `yaml:"poll"`
}

type Metrics struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Mode:          ModeEnforce,
		Directions:    []string{"ingress", "egress"},
		Events:        true,
		DropEventRate: 50,
		Tables: Tables{
			Processes: isolation.DefaultProcessCapacity,
			Addresses: isolation.DefaultAddressCapacity,
			Eviction:  isolation.EvictNone.String(),
		},
		Policy: Policy{Refresh: 5 * time.Second},
		Audit:  Audit{Poll: time.Second},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Mode != ModeEnforce && c.Mode != ModeAudit {
		errs = append(errs, fmt.Errorf("mode %q: want %s or %s", c.Mode, ModeEnforce, ModeAudit))
	}
	if len(c.Directions) == 0 {
		errs = append(errs, errors.New("directions: at least one is required"))
	}
	if _, err := c.ParsedDirections(); err != nil {
		errs = append(errs, err)
	}
	if c.Tables.Processes <= 0 {
		errs = append(errs, fmt.Errorf("tables.processes must be positive, got %d", c.Tables.Processes))
	}
	if c.Tables.Addresses <= 0 {
		errs = append(errs, fmt.Errorf("tables.addresses must be positive, got %d", c.Tables.Addresses))
	}
	if _, err := isolation.ParseEviction(c.Tables.Eviction); err != nil {
		errs = append(errs, fmt.Errorf("tables.eviction: %w", err))
	}
	if c.DropEventRate < 0 {
		errs = append(errs, fmt.Errorf("drop_event_rate must not be negative, got %g", c.DropEventRate))
	}
	if c.Policy.Refresh <= 0 {
		errs = append(errs, fmt.Errorf("policy.refresh must be positive, got %s", c.Policy.Refresh))
	}
	if c.Mode == ModeAudit && c.Audit.Poll <= 0 {
		errs = append(errs, fmt.Errorf("audit.poll must be positive, got %s", c.Audit.Poll))
	}
	return errors.Join(errs...)
}

// ParsedDirections converts the direction names, dropping duplicates.
func (c Config) ParsedDirections() ([]isolation.Direction, error) {
	var dirs []isolation.Direction
	seen := make(map[isolation.Direction]bool)
	for _, s := range c.Directions {
		d, err := isolation.ParseDirection(s)
		if err != nil {
			return nil, fmt.Errorf("directions: %w", err)
		}
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs, nil
}

// TableConfig returns the table sizing. It assumes Validate passed.
func (c Config) TableConfig() isolation.TableConfig {
	ev, _ := isolation.ParseEviction(c.Tables.Eviction)
	return isolation.TableConfig{
		Processes: c.Tables.Processes,
		Addresses: c.Tables.Addresses,
		Eviction:  ev,
		Events:    c.Events,
	}
}
