// Package app builds the platform collaborators from a configuration and
// hands out engines wired to them. Both micmond and `micmon run` use it.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modoterra/micmon/pkg/config"
	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/engine"
	"github.com/modoterra/micmon/pkg/procinfo"
	"github.com/modoterra/micmon/pkg/providers/alsa"
	"github.com/modoterra/micmon/pkg/providers/logs/filetail"
	"github.com/modoterra/micmon/pkg/providers/logs/journald"
	"github.com/modoterra/micmon/pkg/timesync"
)

// Stack holds the collaborators shared by every engine.
type Stack struct {
	cfg      *config.Config
	ALSA     *alsa.Provider
	Logs     core.LogStreamSource
	Resolver *procinfo.Resolver
	logger   *slog.Logger
}

// Build creates the property source, log source and process resolver
// selected by cfg.
func Build(cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var logs core.LogStreamSource
	switch cfg.LogSource.Kind {
	case config.SourceJournald, "":
		clock, err := timesync.NewConverter()
		if err != nil {
			logger.Warn("monotonic clock unavailable, using realtime timestamps", "err", err)
			clock = nil
		}
		logs = journald.New(journald.Options{QueueSize: cfg.LogSource.QueueSize, Clock: clock}, logger)
	case config.SourceFile:
		logs = filetail.New(filetail.Options{Path: cfg.LogSource.Path}, logger)
	default:
		return nil, fmt.Errorf("unknown log source kind %q", cfg.LogSource.Kind)
	}

	opts := procinfo.Options{
		CacheSize: cfg.ProcInfo.CacheSize,
		CacheTTL:  cfg.ProcInfo.CacheTTL,
	}
	if cfg.ProcInfo.SystemdUnits {
		opts.Units = procinfo.SystemdUnits{User: os.Getuid() != 0}
	}

	return &Stack{
		cfg:      cfg,
		ALSA:     alsa.New(alsa.Options{Root: cfg.ALSA.Root, PollInterval: cfg.ALSA.PollInterval}, logger),
		Logs:     logs,
		Resolver: procinfo.New(procinfo.GopsutilSource{}, opts, logger),
		logger:   logger,
	}, nil
}

// Engine returns an idle engine for one configured device.
func (s *Stack) Engine(dev config.Device, h engine.Handler) *engine.Engine {
	deps := engine.Deps{
		Properties: s.ALSA,
		Logs:       s.Logs,
		Resolver:   s.Resolver,
	}
	return engine.New(s.cfg.EngineConfig(dev), deps, h, s.logger.With("device", dev.Name))
}

// Close stops every device poller still registered.
func (s *Stack) Close() {
	s.ALSA.Close()
}

// NewLogger builds the process logger. When c.File is set output goes to
// a rotated file instead of w, and the returned closer must be closed on
// exit.
func NewLogger(c config.Log, w io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}

	var closer io.Closer = nopCloser{}
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
