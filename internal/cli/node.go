package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/swarmlog/internal/config"
	"github.com/roach88/swarmlog/internal/swarm"
	"github.com/roach88/swarmlog/internal/transport"
	"github.com/roach88/swarmlog/internal/transport/natsbus"
)

// setupLogging installs a text slog handler on w.
func setupLogging(opts *RootOptions, w io.Writer) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openBus connects the transport named in cfg.
func openBus(cfg *config.Config, name string) (transport.Bus, error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		slog.Info("connecting to nats", "url", cfg.Transport.URL)
		b, err := natsbus.Connect(cfg.Transport.URL, name)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return transport.NewHub().Connect(name), nil
	}
}

// openOffline opens the node stores without joining the swarm. The stores
// are locked, so this fails while a "run" process uses the same data dir.
func openOffline(ctx context.Context, opts *RootOptions) (*swarm.Node, func(), error) {
	setupLogging(opts, os.Stderr)
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	sc, err := cfg.Swarm()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	bus := transport.NewHub().Connect("offline")
	node, err := swarm.Open(ctx, sc, bus)
	if err != nil {
		bus.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open node", err)
	}
	return node, func() {
		if err := node.Close(); err != nil {
			slog.Error("error closing node", "error", err)
		}
		bus.Close()
	}, nil
}

func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
