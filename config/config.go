// Package config handles pvio configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags and environment variables override at runtime (handled by CLI layer)
//
// The TOML decoder only sets fields present in the file, leaving
// unspecified fields at their default values. If the config file exists
// but is invalid, Load returns an error rather than falling back to
// defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/logging"
	"github.com/frobware/go-pvio/ring"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the pvio config file.
const DefaultConfigPath = "/etc/pvio/pvio.toml"

// Config is the top-level pvio configuration.
type Config struct {
	Grant   GrantConfig   `toml:"grant"`
	Evtchn  EvtchnConfig  `toml:"evtchn"`
	Sim     SimConfig     `toml:"sim"`
	Logging LoggingConfig `toml:"logging"`
	Serve   ServeConfig   `toml:"serve"`
	Journal JournalConfig `toml:"journal"`
}

// GrantConfig sizes the guest's grant table.
type GrantConfig struct {
	// Frames is the number of grant-table frames requested at setup.
	Frames int `toml:"frames"`
	// Reserved is the count of low references never handed out.
	Reserved int `toml:"reserved"`
}

// Entries returns the table size implied by Frames.
func (c GrantConfig) Entries() int {
	return c.Frames * hypervisor.EntriesPerFrame
}

// EvtchnConfig sizes the event-channel dispatcher.
type EvtchnConfig struct {
	Ports int `toml:"ports"`
}

// SimConfig shapes the simulated machine and workload.
type SimConfig struct {
	// MachinePages is the total machine memory in pages.
	MachinePages int `toml:"machine_pages"`
	// GuestPages is the memory given to each of the guest and backend.
	GuestPages int `toml:"guest_pages"`
	// Requests is the number of requests a sim run submits.
	Requests int `toml:"requests"`
	// Slots is the structured ring size; 0 means as many as fit a page.
	Slots int `toml:"slots"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,grant=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string.
// If Level is set, Components are appended as overrides.
func (c *LoggingConfig) ToSpec() string {
	base := c.Level
	if base == "" {
		if len(c.Components) == 0 {
			return ""
		}
		base = "info"
	}

	parts := []string{base}
	for component, level := range c.Components {
		parts = append(parts, component+"="+level)
	}
	return strings.Join(parts, ",")
}

// ServeConfig holds the listen addresses used by "pvio serve".
type ServeConfig struct {
	MetricsAddress string `toml:"metrics_address"`
	GRPCAddress    string `toml:"grpc_address"`
	// Interval is the pause between traffic rounds.
	Interval string `toml:"interval"`
	// Tick is the guest timer period while a round runs.
	Tick string `toml:"tick"`
	// KeepRuns bounds the journal; older runs are pruned after each round.
	KeepRuns int `toml:"keep_runs"`
}

// IntervalDuration returns Interval parsed as a duration.
func (c ServeConfig) IntervalDuration() (time.Duration, error) {
	return parseDuration("serve.interval", c.Interval, 0)
}

// TickDuration returns Tick parsed as a duration.
func (c ServeConfig) TickDuration() (time.Duration, error) {
	return parseDuration("serve.tick", c.Tick, time.Millisecond)
}

func parseDuration(key, s string, min time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < min {
		return 0, fmt.Errorf("%s must be at least %s, got %s", key, min, d)
	}
	return d, nil
}

// JournalConfig locates the SQLite journal.
type JournalConfig struct {
	// RuntimeDir is the runtime root holding the journal and its lock.
	RuntimeDir string `toml:"runtime_dir"`
	// Path overrides the database location; empty means RuntimeDir/db/journal.db.
	Path string `toml:"path"`
}

// Dirs returns the runtime directory layout for the journal.
func (c JournalConfig) Dirs() (RuntimeDirs, error) {
	return NewRuntimeDirs(c.RuntimeDir)
}

// DBPath returns the effective journal database path.
func (c JournalConfig) DBPath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	dirs, err := c.Dirs()
	if err != nil {
		return "", err
	}
	return dirs.DBPath(), nil
}

// DefaultConfig returns the default configuration from the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time; this cannot fail
		// unless the file itself is broken.
		panic(fmt.Sprintf("config: embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks the configuration for consistency. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Grant.Frames < 1 {
		errs = append(errs, fmt.Errorf("grant.frames must be at least 1, got %d", c.Grant.Frames))
	}
	if c.Grant.Reserved < 0 || c.Grant.Reserved >= c.Grant.Entries() {
		errs = append(errs, fmt.Errorf("grant.reserved %d leaves no usable references in %d entries",
			c.Grant.Reserved, c.Grant.Entries()))
	}

	if c.Evtchn.Ports < 1 || c.Evtchn.Ports > hypervisor.MaxPorts {
		errs = append(errs, fmt.Errorf("evtchn.ports must be in 1..%d, got %d", hypervisor.MaxPorts, c.Evtchn.Ports))
	}

	if c.Sim.GuestPages < 1 {
		errs = append(errs, fmt.Errorf("sim.guest_pages must be at least 1, got %d", c.Sim.GuestPages))
	}
	// Two domains, each with a shared-info page, plus the grant frames.
	if need := 2*(c.Sim.GuestPages+1) + c.Grant.Frames; c.Sim.MachinePages < need {
		errs = append(errs, fmt.Errorf("sim.machine_pages %d is less than the %d pages two domains need",
			c.Sim.MachinePages, need))
	}
	if c.Sim.Requests < 0 {
		errs = append(errs, fmt.Errorf("sim.requests must not be negative, got %d", c.Sim.Requests))
	}
	if c.Sim.Slots < 0 || (c.Sim.Slots > 0 && !ring.IsPowerOfTwo(uint32(c.Sim.Slots))) {
		errs = append(errs, fmt.Errorf("sim.slots must be 0 or a power of two, got %d", c.Sim.Slots))
	}

	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if _, err := c.Serve.IntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Serve.TickDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Serve.KeepRuns < 1 {
		errs = append(errs, fmt.Errorf("serve.keep_runs must be at least 1, got %d", c.Serve.KeepRuns))
	}

	if c.Journal.Path == "" {
		if _, err := c.Journal.Dirs(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
