package config

import (
	"fmt"
	"log/slog"

	"github.com/modoterra/micmon/pkg/engine"
)

// Validate checks the configuration for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}
	if c.Socket == "" {
		errs = append(errs, fmt.Errorf("socket is required"))
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	if len(c.Devices) == 0 {
		errs = append(errs, fmt.Errorf("config must define at least one device"))
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("device %d: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("device %q: duplicate name", d.Name))
		}
		seen[d.Name] = true
	}

	cr := c.Correlation
	for _, f := range []struct {
		name string
		val  int64
	}{
		{"window", int64(cr.Window)},
		{"settle", int64(cr.Settle)},
		{"timeout", int64(cr.Timeout)},
		{"restart_delay", int64(cr.RestartDelay)},
		{"buffer_size", int64(cr.BufferSize)},
		{"record_queue", int64(cr.RecordQueue)},
	} {
		if f.val <= 0 {
			errs = append(errs, fmt.Errorf("correlation.%s must be positive", f.name))
		}
	}
	if cr.Skew < 0 {
		errs = append(errs, fmt.Errorf("correlation.skew must not be negative"))
	}
	if cr.Settle > cr.Timeout {
		errs = append(errs, fmt.Errorf("correlation.settle (%s) exceeds timeout (%s)", cr.Settle, cr.Timeout))
	}

	if _, err := engine.Compile(c.EngineConfig(Device{}).Signature); err != nil {
		errs = append(errs, fmt.Errorf("signature: %w", err))
	}

	switch c.LogSource.Kind {
	case SourceJournald:
	case SourceFile:
		if c.LogSource.Path == "" {
			errs = append(errs, fmt.Errorf("logsource (file): path is required"))
		}
	case "":
		errs = append(errs, fmt.Errorf("logsource: kind is required"))
	default:
		errs = append(errs, fmt.Errorf("logsource: unknown kind %q", c.LogSource.Kind))
	}

	if c.ALSA.Root == "" {
		errs = append(errs, fmt.Errorf("alsa.root is required"))
	}
	if c.ALSA.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("alsa.poll_interval must be positive"))
	}
	if c.ProcInfo.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("procinfo.cache_size must not be negative"))
	}

	return errs
}
