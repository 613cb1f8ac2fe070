package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-pvio/server"
)

// ServeCmd runs traffic rounds until interrupted.
type ServeCmd struct {
	MetricsAddress string `name:"metrics-address" help:"Listen address for /metrics. Overrides serve.metrics_address."`
	GRPCAddress    string `name:"grpc-address" help:"Listen address for the gRPC health service. Overrides serve.grpc_address."`
	Rounds         int    `help:"Stop after this many rounds (0 runs until interrupted)." default:"0"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	if c.MetricsAddress != "" {
		cfg.Serve.MetricsAddress = c.MetricsAddress
	}
	if c.GRPCAddress != "" {
		cfg.Serve.GRPCAddress = c.GRPCAddress
	}

	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, server.RunConfig{
		Config: cfg,
		Logger: logger,
		Rounds: c.Rounds,
	})
}
