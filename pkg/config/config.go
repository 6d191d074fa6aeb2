// Package config loads micmon.yaml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/engine"
)

// Log source kinds.
const (
	SourceJournald = "journald"
	SourceFile     = "file"
)

// DefaultMessagePattern matches audio server lines that announce a client
// connection or stream together with the client's pid, such as
// "client 0x55d1 connected: pid=4242". Lines without a client pid never
// match, so the audio server itself is not reported as the client.
const DefaultMessagePattern = `(?i)\b(?:client|stream|record)\b.*?\b(?:pid|application\.process\.id)\b[=: "]+(?P<pid>\d+)`

// Config represents a micmon.yaml configuration file.
type Config struct {
	Version     int         `yaml:"version"     json:"version"`
	Socket      string      `yaml:"socket"      json:"socket"      env:"MICMON_SOCKET"`
	Log         Log         `yaml:"log"         json:"log"`
	Devices     []Device    `yaml:"devices"     json:"devices"`
	Correlation Correlation `yaml:"correlation" json:"correlation"`
	Signature   Signature   `yaml:"signature"   json:"signature"`
	LogSource   LogSource   `yaml:"logsource"   json:"logsource"`
	ALSA        ALSA        `yaml:"alsa"        json:"alsa"`
	ProcInfo    ProcInfo    `yaml:"procinfo"    json:"procinfo"`
}

// Log configures the daemon's own logging. An empty File logs to stderr.
type Log struct {
	Level      string `yaml:"level"                  json:"level"                  env:"MICMON_LOG_LEVEL"`
	File       string `yaml:"file,omitempty"         json:"file,omitempty"         env:"MICMON_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"  json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"  json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// Device is one watched input. An empty Selector means the built-in input.
type Device struct {
	Name     string `yaml:"name"               json:"name"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
}

// Correlation tunes the attribution engine.
type Correlation struct {
	Window           time.Duration `yaml:"window"             json:"window"`
	Skew             time.Duration `yaml:"skew"               json:"skew"`
	Settle           time.Duration `yaml:"settle"             json:"settle"`
	Timeout          time.Duration `yaml:"timeout"            json:"timeout"`
	BufferSize       int           `yaml:"buffer_size"        json:"buffer_size"`
	RecordQueue      int           `yaml:"record_queue"       json:"record_queue"`
	RestartLogStream bool          `yaml:"restart_log_stream" json:"restart_log_stream"`
	RestartDelay     time.Duration `yaml:"restart_delay"      json:"restart_delay"`
}

// Signature describes the log record an audio client emits on registration.
type Signature struct {
	Subsystem      string     `yaml:"subsystem,omitempty"       json:"subsystem,omitempty"`
	Category       string     `yaml:"category,omitempty"        json:"category,omitempty"`
	MessagePattern string     `yaml:"message_pattern,omitempty" json:"message_pattern,omitempty"`
	MinLevel       core.Level `yaml:"min_level"                 json:"min_level"`
	Matches        []string   `yaml:"matches,omitempty"         json:"matches,omitempty"`
}

// LogSource selects where log records come from.
type LogSource struct {
	Kind      string `yaml:"kind"                 json:"kind"                 env:"MICMON_LOGSOURCE_KIND"`
	Path      string `yaml:"path,omitempty"       json:"path,omitempty"       env:"MICMON_LOGSOURCE_PATH"`
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// ALSA configures the capture device property source.
type ALSA struct {
	Root         string        `yaml:"root"          json:"root"          env:"MICMON_ALSA_ROOT"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// ProcInfo configures process metadata lookups.
type ProcInfo struct {
	CacheSize    int           `yaml:"cache_size"    json:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"     json:"cache_ttl"`
	SystemdUnits bool          `yaml:"systemd_units" json:"systemd_units"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Version: 1,
		Socket:  DefaultSocketPath(),
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Devices: []Device{{Name: "default"}},
		Correlation: Correlation{
			Window:           ec.Window,
			Skew:             ec.Skew,
			Settle:           ec.Settle,
			Timeout:          ec.Timeout,
			BufferSize:       ec.BufferSize,
			RecordQueue:      ec.RecordQueue,
			RestartLogStream: ec.RestartLogStream,
			RestartDelay:     ec.RestartDelay,
		},
		Signature: Signature{
			MessagePattern: DefaultMessagePattern,
			MinLevel:       ec.Signature.MinLevel,
			Matches: []string{
				"_SYSTEMD_USER_UNIT=pipewire.service",
				"_SYSTEMD_USER_UNIT=pipewire-pulse.service",
				"_SYSTEMD_USER_UNIT=wireplumber.service",
			},
		},
		LogSource: LogSource{Kind: SourceJournald, QueueSize: 256},
		ALSA:      ALSA{Root: "/proc/asound", PollInterval: 250 * time.Millisecond},
		ProcInfo:  ProcInfo{CacheSize: 256, CacheTTL: 30 * time.Second, SystemdUnits: true},
	}
}

// EngineConfig builds the engine configuration for one device.
func (c *Config) EngineConfig(dev Device) engine.Config {
	return engine.Config{
		Device:           dev.Selector,
		Window:           c.Correlation.Window,
		Skew:             c.Correlation.Skew,
		Settle:           c.Correlation.Settle,
		Timeout:          c.Correlation.Timeout,
		BufferSize:       c.Correlation.BufferSize,
		RecordQueue:      c.Correlation.RecordQueue,
		RestartLogStream: c.Correlation.RestartLogStream,
		RestartDelay:     c.Correlation.RestartDelay,
		Signature: engine.Signature{
			Subsystem:      c.Signature.Subsystem,
			Category:       c.Signature.Category,
			MessagePattern: c.Signature.MessagePattern,
			MinLevel:       c.Signature.MinLevel,
			Matches:        c.Signature.Matches,
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/micmon/micmon.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "micmon.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "micmon", "micmon.yaml")
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/micmon.sock, or /tmp/micmon.sock
// outside a login session.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "micmon.sock")
	}
	return "/tmp/micmon.sock"
}
