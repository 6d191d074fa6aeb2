package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/modoterra/micmon/internal/app"
	"github.com/modoterra/micmon/internal/buildinfo"
	"github.com/modoterra/micmon/pkg/config"
	"github.com/modoterra/micmon/pkg/daemon"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "micmond",
	Short:        "Microphone activation monitor daemon",
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("micmond %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to micmon.yaml")
	rootCmd.AddCommand(versionCmd)
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d error(s)\n", configPath, len(errs))
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  • %s\n", e)
		}
		return errors.New("invalid configuration")
	}

	logger, closer, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	d := daemon.New(cfg.Socket, buildinfo.Version, logger)
	for _, dev := range cfg.Devices {
		d.AddEngine(dev.Name, stack.Engine(dev, d.Handler(dev.Name)))
	}

	go notifyReady(ctx, d, logger)

	logger.Info("starting micmond", "version", buildinfo.Version, "config", configPath, "socket", cfg.Socket, "devices", len(cfg.Devices))
	err = d.Run(ctx)
	notify(logger, sddaemon.SdNotifyStopping)
	if err != nil {
		logger.Error("daemon error", "err", err)
		return err
	}
	logger.Info("shutting down")
	return nil
}

// notifyReady tells the service manager we are up once the socket accepts
// connections.
func notifyReady(ctx context.Context, d *daemon.Daemon, logger *slog.Logger) {
	select {
	case <-d.Ready():
		notify(logger, sddaemon.SdNotifyReady)
	case <-ctx.Done():
	}
}

func notify(logger *slog.Logger, state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "err", err)
		return
	}
	if sent {
		logger.Debug("sd_notify", "state", state)
	}
}
