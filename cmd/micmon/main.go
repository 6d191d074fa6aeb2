package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/micmon/internal/app"
	"github.com/modoterra/micmon/internal/buildinfo"
	"github.com/modoterra/micmon/pkg/config"
	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/daemon"
	"github.com/modoterra/micmon/pkg/daemon/service"
	"github.com/modoterra/micmon/pkg/engine"
	"github.com/modoterra/micmon/pkg/providers/alsa"
	"github.com/modoterra/micmon/pkg/transport/uds"
)

var (
	socketPath string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "micmon",
	Short:        "Report which process turns the microphone on",
	Long:         "micmon watches audio capture devices and attributes every activation to the client process that opened it.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath(), "daemon socket path")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to micmon.yaml")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()

		var pong uds.PingResponse
		if err := client.Call(ctx, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (micmond %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every monitored device",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		var resp daemon.StatusResponse
		if err := client.Call(ctx, uds.MethodStatus, nil, &resp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			return writeJSON(out, resp)
		}

		fmt.Fprintf(out, "micmond %s, %d client(s)\n", resp.Version, resp.Clients)
		fmt.Fprintf(out, "%-12s %-10s %-8s %-24s %-8s %s\n", "NAME", "UID", "STATE", "CLIENT", "EPISODE", "LOGS")
		for _, d := range resp.Devices {
			logs := "live"
			if d.Status.Degraded {
				logs = "degraded"
			}
			fmt.Fprintf(out, "%-12s %-10s %-8s %-24s %-8d %s\n",
				d.Name, d.Status.Device.UID, renderState(d.Status.State), renderClient(d.Status.Client), d.Status.Episode, logs)
			if d.Error != "" {
				fmt.Fprintf(out, "  %s\n", errStyle.Render(d.Error))
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// --- Events ---

var eventsJSON bool

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow activation events published by the daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		client.OnEvent(func(msg uds.Message) {
			if msg.Method != uds.EventActivation {
				return
			}
			var rec daemon.Record
			if err := msg.Decode(&rec); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errStyle.Render(err.Error()))
				return
			}
			printRecord(out, rec, eventsJSON)
		})

		ctx, stop := signalContext()
		defer stop()

		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("daemon closed the connection")
		}
	},
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "one JSON object per line")
}

// printRecord writes one event, either rendered or as a JSON line.
func printRecord(w io.Writer, rec daemon.Record, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(rec.Event)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintln(w, renderEvent(rec.Name, rec.Event))
}

// --- History ---

var (
	historyLimit  int
	historyDevice string
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent activation events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()

		var recs []daemon.Record
		req := uds.HistoryRequest{Limit: historyLimit, Device: historyDevice}
		if err := client.Call(ctx, uds.MethodHistory, req, &recs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(recs) == 0 && !historyJSON {
			fmt.Fprintln(out, "no events")
			return nil
		}
		for _, rec := range recs {
			printRecord(out, rec, historyJSON)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of events (0 for all kept)")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "only events of this configured device")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "one JSON object per line")
}

// --- Run ---

var (
	runDevice string
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor devices in the foreground without the daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadValid(configPath)
		if err != nil {
			return err
		}
		devices, err := selectDevices(cfg.Devices, runDevice)
		if err != nil {
			return err
		}

		logger, closer, err := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer closer.Close()

		stack, err := app.Build(cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		ctx, stop := signalContext()
		defer stop()

		var (
			mu  sync.Mutex
			out = cmd.OutOrStdout()
		)
		var engines []*engine.Engine
		defer func() {
			for _, eng := range engines {
				eng.Stop()
			}
		}()
		for _, dev := range devices {
			name := dev.Name
			eng := stack.Engine(dev, func(ev core.Event) {
				mu.Lock()
				defer mu.Unlock()
				printRecord(out, daemon.Record{Name: name, Event: ev}, runJSON)
			})
			if err := eng.Start(ctx); err != nil {
				return fmt.Errorf("device %s: %w", name, err)
			}
			engines = append(engines, eng)
		}

		<-ctx.Done()
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runDevice, "device", "", "monitor only this configured device")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "one JSON object per line")
}

func selectDevices(all []config.Device, name string) ([]config.Device, error) {
	if name == "" {
		return all, nil
	}
	for _, d := range all {
		if d.Name == name {
			return []config.Device{d}, nil
		}
	}
	return nil, fmt.Errorf("device %q is not configured", name)
}

// --- Devices ---

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		p := alsa.New(alsa.Options{Root: cfg.ALSA.Root}, nil)
		defer p.Close()

		devs, err := p.List()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if devicesJSON {
			return writeJSON(out, devs)
		}
		if len(devs) == 0 {
			fmt.Fprintln(out, "no capture devices")
			return nil
		}

		fmt.Fprintf(out, "%-10s %-4s %-8s %s\n", "UID", "USB", "STATE", "NAME")
		for _, d := range devs {
			usb := ""
			if d.USB {
				usb = "yes"
			}
			state := offStyle.Render("idle")
			if on, err := p.ReadRunning(d.Device); err == nil && on {
				state = onStyle.Render("running")
			}
			fmt.Fprintf(out, "%-10s %-4s %-8s %s\n", d.UID, usb, state, d.Name)
		}
		return nil
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "output as JSON")
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage micmon.yaml",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.Save(config.Default(), configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a micmon.yaml file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}
		cfg, err := loadValid(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d devices)\n", path, len(cfg.Devices))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// loadValid loads path and reports every validation error on stderr.
func loadValid(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	errs := config.Validate(cfg)
	if len(errs) == 0 {
		return cfg, nil
	}
	fmt.Fprintf(os.Stderr, "%s: %d error(s)\n", path, len(errs))
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  • %s\n", e)
	}
	return nil, fmt.Errorf("%s: invalid configuration", path)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the micmond systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "service installed ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and service state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(socketPath))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "micmon %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally micmond runs as a systemd user service. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("micmond", "--config", configPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}
