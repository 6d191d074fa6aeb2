package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/engine"
)

func TestParseValidConfig(t *testing.T) {
	yaml := `
version: 1
socket: /run/user/1000/micmon.sock
log:
  level: debug
  file: /var/log/micmon.log
devices:
  - name: laptop
  - name: headset
    selector: "hw:1,0"
correlation:
  window: 3s
  settle: 200ms
  restart_log_stream: false
signature:
  subsystem: pipewire.service
  message_pattern: 'client (?P<name>\S+)\[(?P<pid>\d+)\]'
  min_level: default
logsource:
  kind: file
  path: /var/log/audio-records.ndjson
`
	c, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if c.Socket != "/run/user/1000/micmon.sock" {
		t.Errorf("socket: got %q", c.Socket)
	}
	if len(c.Devices) != 2 || c.Devices[1].Selector != "hw:1,0" {
		t.Errorf("devices: got %+v", c.Devices)
	}
	if c.Correlation.Window != 3*time.Second {
		t.Errorf("window: got %s, want 3s", c.Correlation.Window)
	}
	if c.Correlation.Skew != 500*time.Millisecond {
		t.Errorf("skew default: got %s", c.Correlation.Skew)
	}
	if c.Correlation.RestartLogStream {
		t.Error("restart_log_stream: got true, want false")
	}
	if c.Signature.MinLevel != core.LevelDefault {
		t.Errorf("min_level: got %s", c.Signature.MinLevel)
	}
	if c.LogSource.Kind != SourceFile {
		t.Errorf("logsource kind: got %q", c.LogSource.Kind)
	}
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseBadLevel(t *testing.T) {
	if _, err := Parse([]byte("signature:\n  min_level: loud\n")); err == nil {
		t.Error("expected error for unknown min_level")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestDefaultSignaturePicksClientPid(t *testing.T) {
	m, err := engine.Compile(Default().EngineConfig(Device{}).Signature)
	if err != nil {
		t.Fatal(err)
	}

	since := time.Now()
	server := core.LogRecord{Process: "pipewire", PID: 900, Level: core.LevelInfo, Seq: 1}
	tests := []struct {
		name    string
		msg     string
		wantPid int
	}{
		{"native client", "mod.protocol-native: client 0x55d1 connected: pid=4242", 4242},
		{"stream properties", `stream 0x7f30 props: application.process.id = "5150"`, 5150},
		{"server noise", "mod.rt: RTKit error: org.freedesktop.DBus.Error.AccessDenied", 0},
		{"client without pid", "client 0x55d1 disconnected", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := server
			r.Message = tt.msg
			r.Timestamp = since.Add(20 * time.Millisecond)
			c, ok := engine.Select([]core.LogRecord{r}, m, engine.Query{Since: since, Skew: 500 * time.Millisecond, Window: 2 * time.Second})
			if tt.wantPid == 0 {
				if ok {
					t.Errorf("got candidate %+v, want none", c)
				}
				return
			}
			if !ok {
				t.Fatalf("no candidate for %q", tt.msg)
			}
			if c.PID != tt.wantPid {
				t.Errorf("pid: got %d, want %d", c.PID, tt.wantPid)
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	c := Default()
	c.Signature.Category = "client_register"
	ec := c.EngineConfig(Device{Name: "headset", Selector: "hw:1,0"})
	if ec.Device != "hw:1,0" {
		t.Errorf("device: got %q", ec.Device)
	}
	if ec.Timeout != 2500*time.Millisecond {
		t.Errorf("timeout: got %s", ec.Timeout)
	}
	if ec.Signature.Category != "client_register" || ec.Signature.MinLevel != core.LevelInfo {
		t.Errorf("signature: got %+v", ec.Signature)
	}
	if !ec.RestartLogStream {
		t.Error("restart_log_stream should default to true")
	}
}

func TestValidateVersionMustBe1(t *testing.T) {
	c := Default()
	c.Version = 2
	assertHasError(t, Validate(c), "version must be 1")
}

func TestValidateNoDevices(t *testing.T) {
	c := Default()
	c.Devices = nil
	assertHasError(t, Validate(c), "at least one device")
}

func TestValidateDeviceNames(t *testing.T) {
	c := Default()
	c.Devices = []Device{{Name: "mic"}, {Name: "mic", Selector: "usb"}, {Selector: "hw:2,0"}}
	errs := Validate(c)
	assertHasError(t, errs, "duplicate name")
	assertHasError(t, errs, "name is required")
}

func TestValidateCorrelation(t *testing.T) {
	c := Default()
	c.Correlation.Window = 0
	c.Correlation.Skew = -time.Second
	c.Correlation.Settle = 5 * time.Second
	errs := Validate(c)
	assertHasError(t, errs, "correlation.window must be positive")
	assertHasError(t, errs, "skew must not be negative")
	assertHasError(t, errs, "exceeds timeout")
}

func TestValidateBadPattern(t *testing.T) {
	c := Default()
	c.Signature.MessagePattern = "(unclosed"
	assertHasError(t, Validate(c), "message pattern")
}

func TestValidateLogSource(t *testing.T) {
	tests := []struct {
		kind, path string
		want       string
	}{
		{"file", "", "path is required"},
		{"", "", "kind is required"},
		{"syslog", "", "unknown kind"},
	}
	for _, tt := range tests {
		c := Default()
		c.LogSource.Kind = tt.kind
		c.LogSource.Path = tt.path
		assertHasError(t, Validate(c), tt.want)
	}
}

func TestValidateLogLevel(t *testing.T) {
	c := Default()
	c.Log.Level = "chatty"
	assertHasError(t, Validate(c), "log.level")

	c.Log.Level = "WARN"
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("WARN should be accepted: %v", errs)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Version != 1 || len(c.Devices) != 1 {
		t.Errorf("expected defaults, got %+v", c)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "micmon.yaml")
	c := Default()
	c.Socket = "/tmp/from-file.sock"
	if err := Save(c, path); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MICMON_SOCKET", "/tmp/from-env.sock")
	t.Setenv("MICMON_LOG_LEVEL", "debug")
	t.Setenv("MICMON_LOGSOURCE_KIND", "file")
	t.Setenv("MICMON_LOGSOURCE_PATH", "/tmp/records.ndjson")
	t.Setenv("MICMON_ALSA_ROOT", "/tmp/asound")

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Socket != "/tmp/from-env.sock" {
		t.Errorf("socket: got %q", got.Socket)
	}
	if got.Log.Level != "debug" {
		t.Errorf("log level: got %q", got.Log.Level)
	}
	if got.LogSource.Kind != "file" || got.LogSource.Path != "/tmp/records.ndjson" {
		t.Errorf("logsource: got %+v", got.LogSource)
	}
	if got.ALSA.Root != "/tmp/asound" {
		t.Errorf("alsa root: got %q", got.ALSA.Root)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "micmon.yaml")
	c := Default()
	c.Devices = append(c.Devices, Device{Name: "usb", Selector: "Headset"})
	c.Correlation.Settle = 75 * time.Millisecond
	c.Signature.MinLevel = core.LevelError
	if err := Save(c, path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Devices) != 2 || got.Devices[1].Selector != "Headset" {
		t.Errorf("devices: got %+v", got.Devices)
	}
	if got.Correlation.Settle != 75*time.Millisecond {
		t.Errorf("settle: got %s", got.Correlation.Settle)
	}
	if got.Signature.MinLevel != core.LevelError {
		t.Errorf("min_level: got %s", got.Signature.MinLevel)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/home/u/.cfg")
	if got := DefaultPath(); got != "/home/u/.cfg/micmon/micmon.yaml" {
		t.Errorf("got %q", got)
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/micmon.sock" {
		t.Errorf("got %q", got)
	}
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultSocketPath(); got != "/tmp/micmon.sock" {
		t.Errorf("got %q", got)
	}
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, err := range errs {
		if strings.Contains(err.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got %v", substr, errs)
}
