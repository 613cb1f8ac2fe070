package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvio.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 4, cfg.Grant.Frames)
	assert.Equal(t, 8, cfg.Grant.Reserved)
	assert.Equal(t, 1024, cfg.Grant.Entries())
	assert.Equal(t, 1024, cfg.Evtchn.Ports)
	assert.Equal(t, 256, cfg.Sim.GuestPages)
	assert.Equal(t, 0, cfg.Sim.Slots)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/run/pvio", cfg.Journal.RuntimeDir)
	assert.Equal(t, 50, cfg.Serve.KeepRuns)
	require.NoError(t, cfg.Validate())

	interval, err := cfg.Serve.IntervalDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, interval)
	tick, err := cfg.Serve.TickDuration()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, tick)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeConfig(t, `
[grant]
frames = 8

[logging]
level = "debug"

[logging.components]
evtchn = "trace"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Grant.Frames)
	assert.Equal(t, 8, cfg.Grant.Reserved, "unset key keeps its default")
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "debug,evtchn=trace", cfg.Logging.ToSpec())
	require.NoError(t, cfg.Validate())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[grant\nframes = 1"},
		{"wrong type", "[grant]\nframes = \"many\""},
		{"unknown key", "[grant]\nframez = 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoggingConfig_ToSpec(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
		want string
	}{
		{"empty", config.LoggingConfig{}, ""},
		{"level only", config.LoggingConfig{Level: "warn"}, "warn"},
		{"components only", config.LoggingConfig{Components: map[string]string{"grant": "debug"}}, "info,grant=debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ToSpec())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"no grant frames", func(c *config.Config) { c.Grant.Frames = 0 }, "grant.frames"},
		{"reserved swallows table", func(c *config.Config) { c.Grant.Reserved = c.Grant.Entries() }, "grant.reserved"},
		{"too many ports", func(c *config.Config) { c.Evtchn.Ports = 1 << 20 }, "evtchn.ports"},
		{"machine too small", func(c *config.Config) { c.Sim.MachinePages = c.Sim.GuestPages }, "sim.machine_pages"},
		{"slots not power of two", func(c *config.Config) { c.Sim.Slots = 24 }, "sim.slots"},
		{"negative requests", func(c *config.Config) { c.Sim.Requests = -1 }, "sim.requests"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging"},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad interval", func(c *config.Config) { c.Serve.Interval = "soon" }, "serve.interval"},
		{"tick too short", func(c *config.Config) { c.Serve.Tick = "10us" }, "serve.tick"},
		{"keep no runs", func(c *config.Config) { c.Serve.KeepRuns = 0 }, "serve.keep_runs"},
		{"relative runtime dir", func(c *config.Config) { c.Journal.RuntimeDir = "run" }, "journal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Grant.Frames = 0
	cfg.Evtchn.Ports = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grant.frames")
	assert.Contains(t, err.Error(), "evtchn.ports")
}

func TestJournalConfig_DBPath(t *testing.T) {
	cfg := config.DefaultConfig()

	path, err := cfg.Journal.DBPath()
	require.NoError(t, err)
	assert.Equal(t, "/run/pvio/db/journal.db", path)

	cfg.Journal.Path = "/var/tmp/j.db"
	path, err = cfg.Journal.DBPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/j.db", path)
}

func TestEncode_RoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sim.Requests = 17

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))

	var decoded config.Config
	_, err := toml.Decode(buf.String(), &decoded)
	require.NoError(t, err)
	assert.Equal(t, 17, decoded.Sim.Requests)
	assert.Equal(t, cfg.Serve, decoded.Serve)
}
