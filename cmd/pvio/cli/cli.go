package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/logging"
)

// CLI is the root command structure for pvio.
type CLI struct {
	ConfigPath  string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log         string `name:"log" help:"Log spec (e.g., 'info,ring=debug')." env:"PVIO_LOG"`
	JournalPath string `name:"journal" help:"Journal database path. Overrides journal.path from the config file."`

	Sim     SimCmd     `cmd:"" help:"Run a batch of simulated traffic and report."`
	Serve   ServeCmd   `cmd:"" help:"Run simulated traffic continuously with metrics and health endpoints."`
	Journal JournalCmd `cmd:"" help:"Inspect or prune the run journal."`
	Config  ConfigCmd  `cmd:"" help:"Print the effective configuration."`

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("pvio"),
		kong.Description("Paravirtual guest transport driven against a simulated hypervisor."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

func (c *CLI) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c *CLI) stderr() io.Writer {
	if c.Stderr != nil {
		return c.Stderr
	}
	return os.Stderr
}

// PrintOut writes s to standard output.
func (c *CLI) PrintOut(s string) error {
	_, err := io.WriteString(c.stdout(), s)
	return err
}

// LoadConfig loads the configuration file, applies flag overrides and
// validates the result.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if c.JournalPath != "" {
		cfg.Journal.Path = c.JournalPath
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger creates a logger for batch commands. They default to WARN
// for quieter output; use LoggerFromConfig for serve.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.newLogger(cfg, spec, c.stderr())
}

// LoggerFromConfig creates a logger using config file settings.
// Output goes to stdout for daemon/container log collection.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.newLogger(cfg, c.Log, c.stdout())
}

func (c *CLI) newLogger(cfg config.Config, spec string, out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     out,
	})
}
