package cli

import (
	"strings"
)

// ConfigCmd prints the effective configuration.
type ConfigCmd struct{}

// Run executes the config command.
func (c *ConfigCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	var b strings.Builder
	if err := cfg.Encode(&b); err != nil {
		return err
	}
	return cli.PrintOut(b.String())
}
