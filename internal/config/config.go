// Package config loads the checksum app configuration from JSON. Every
// scalar is optional: unset fields fall back to the defaults returned by the
// Get* accessors, so partial files are safe.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/memmap"
	"github.com/havencarlson/CS/internal/serialmux"
)

// DefaultConfigPath is the config shipped with the repository.
const DefaultConfigPath = "config/cs.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// MaxTableEntries bounds the definition table of each tabled target.
const MaxTableEntries = 32

// Config is the root of the configuration file.
type Config struct {
	MaxBytesPerCycle     *uint32 `json:"max_bytes_per_cycle,omitempty"`
	TickInterval         *string `json:"tick_interval,omitempty"` // duration string like "1s"
	WorkerStaleAfter     *string `json:"worker_stale_after,omitempty"`
	ForceResetInterval   *string `json:"force_reset_interval,omitempty"`
	WorkerDelay          *string `json:"worker_delay,omitempty"` // pause between worker chunks
	PreserveStates       *bool   `json:"preserve_states,omitempty"`
	HousekeepingInterval *string `json:"housekeeping_interval,omitempty"`
	RetainFor            *string `json:"retain_for,omitempty"`
	ImageDir             *string `json:"image_dir,omitempty"` // region contents as <name>.bin

	MemoryMap []memmap.Region          `json:"memory_map,omitempty"`
	Targets   map[string][]EntryConfig `json:"targets,omitempty"`
	Serial    *SerialConfig            `json:"serial,omitempty"`
}

// EntryConfig is one definition-table row.
type EntryConfig struct {
	Name    string `json:"name"`
	Address uint32 `json:"address"`
	Size    uint32 `json:"size"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// SerialConfig selects the ground link port. An empty Port disables the link.
type SerialConfig struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

func ptrUint32(v uint32) *uint32 { return &v }
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// Load reads and validates a config file. The path must end in .json and
// the file must be under 1MB.
func Load(path string) (*Config, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config JSON. Unknown keys are rejected so a
// misspelt setting does not silently fall back to its default.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	for key, v := range map[string]*string{
		"tick_interval":         c.TickInterval,
		"worker_stale_after":    c.WorkerStaleAfter,
		"force_reset_interval":  c.ForceResetInterval,
		"housekeeping_interval": c.HousekeepingInterval,
		"retain_for":            c.RetainFor,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", key, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, *v)
		}
	}
	if c.WorkerDelay != nil && *c.WorkerDelay != "" {
		d, err := time.ParseDuration(*c.WorkerDelay)
		if err != nil {
			return fmt.Errorf("invalid worker_delay '%s': %w", *c.WorkerDelay, err)
		}
		if d < 0 {
			return fmt.Errorf("worker_delay must be non-negative, got %s", *c.WorkerDelay)
		}
	}

	mm, err := memmap.New(c.MemoryMap)
	if err != nil {
		return fmt.Errorf("memory_map: %w", err)
	}
	tables, err := c.Tables()
	if err != nil {
		return err
	}
	if len(c.MemoryMap) > 0 {
		for t, entries := range tables {
			for i, e := range entries {
				if e.Empty() {
					continue
				}
				if err := mm.ValidateRange(e.Address, e.Size, memmap.Any); err != nil {
					return fmt.Errorf("targets.%s[%d] %q: %w", t, i, e.Name, err)
				}
			}
		}
	}
	if c.Serial != nil && c.Serial.Port != "" {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMaxBytesPerCycle defaults to 16KiB. Zero means no chunking.
func (c *Config) GetMaxBytesPerCycle() uint32 {
	if c.MaxBytesPerCycle == nil {
		return 16 * 1024
	}
	return *c.MaxBytesPerCycle
}

func (c *Config) GetTickInterval() time.Duration { return duration(c.TickInterval, time.Second) }

func (c *Config) GetWorkerStaleAfter() time.Duration {
	return duration(c.WorkerStaleAfter, 5*time.Minute)
}

func (c *Config) GetForceResetInterval() time.Duration {
	return duration(c.ForceResetInterval, time.Minute)
}

func (c *Config) GetWorkerDelay() time.Duration { return duration(c.WorkerDelay, 0) }

func (c *Config) GetPreserveStates() bool {
	if c.PreserveStates == nil {
		return false
	}
	return *c.PreserveStates
}

func (c *Config) GetHousekeepingInterval() time.Duration {
	return duration(c.HousekeepingInterval, 10*time.Second)
}

func (c *Config) GetRetainFor() time.Duration { return duration(c.RetainFor, 7*24*time.Hour) }

// GetImageDir returns the directory region contents are loaded from, or ""
// to fill every region with the test pattern.
func (c *Config) GetImageDir() string {
	if c.ImageDir == nil {
		return ""
	}
	return *c.ImageDir
}

// SerialPort returns the link port path, or "" when the link is disabled.
func (c *Config) SerialPort() string {
	if c.Serial == nil {
		return ""
	}
	return c.Serial.Port
}

func (c *Config) SerialOptions() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return c.Serial.PortOptions
}

var errNoMemoryMap = errors.New("memory_map is empty")

// Regions returns the memory map. An empty map is an error because every
// range would be rejected.
func (c *Config) Regions() ([]memmap.Region, error) {
	if len(c.MemoryMap) == 0 {
		return nil, errNoMemoryMap
	}
	return c.MemoryMap, nil
}

// Tables converts the per-target definition tables, keyed by target name.
// Entries default to enabled.
func (c *Config) Tables() (map[checksum.Target][]checksum.Entry, error) {
	out := make(map[checksum.Target][]checksum.Entry, len(c.Targets))
	for name, rows := range c.Targets {
		t, err := checksum.ParseTarget(name)
		if err != nil {
			return nil, fmt.Errorf("targets: %w", err)
		}
		limit := MaxTableEntries
		if !t.Tabled() {
			limit = 1
		}
		if len(rows) > limit {
			return nil, fmt.Errorf("targets.%s: %d entries exceeds the limit of %d", t, len(rows), limit)
		}
		entries := make([]checksum.Entry, len(rows))
		for i, r := range rows {
			enabled := true
			if r.Enabled != nil {
				enabled = *r.Enabled
			}
			entries[i] = checksum.Entry{Name: r.Name, Address: r.Address, Size: r.Size, Enabled: enabled}
		}
		out[t] = entries
	}
	return out, nil
}

// EngineConfig resolves the settings the checksum engine takes.
func (c *Config) EngineConfig(version string) checksum.Config {
	return checksum.Config{
		MaxBytesPerCycle:   c.GetMaxBytesPerCycle(),
		StaleAfter:         c.GetWorkerStaleAfter(),
		ForceResetInterval: c.GetForceResetInterval(),
		PreserveStates:     c.GetPreserveStates(),
		Version:            version,
	}
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or a parent. It panics when the file cannot be found; tests use it.
func MustLoadDefaultConfig() *Config {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := Load(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}
