package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/swarmlog/internal/swarm"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Ready is called once the node has started (for testing).
	Ready func(*swarm.Node)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node and join the swarm",
		Long: `Run a swarmlog node until interrupted.

The node opens its stores under the configured data_dir (in memory when
unset), connects to the configured transport and starts publishing its own
streams and replicating its peers' streams.

Example:
  swarmlog run --config ./node.yaml
  swarmlog run --config ./node.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, os.Stderr)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	sc, err := cfg.Swarm()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd.Context()))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	bus, err := openBus(cfg, sc.Name)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect transport", err)
	}
	defer bus.Close()

	node, err := swarm.Open(ctx, sc, bus)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}
	defer func() {
		if closeErr := node.Close(); closeErr != nil {
			slog.Error("error closing node", "error", closeErr)
		}
	}()

	if err := node.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start node", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started on topic %q.\n", node.ID(), cfg.Topic)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(node)
	}

	<-ctx.Done()
	slog.Info("node stopped gracefully")
	return nil
}
