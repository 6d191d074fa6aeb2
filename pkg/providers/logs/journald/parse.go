package journald

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/timesync"
)

// Parse converts one `journalctl -o json` line into a record.
//
// Records from the current boot are timestamped from the monotonic clock
// when clock is set; everything else uses the realtime timestamp.
func Parse(line []byte, clock *timesync.Converter) (core.LogRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return core.LogRecord{}, fmt.Errorf("parse journal entry: %w", err)
	}

	r := core.LogRecord{
		Process:          field(fields, "_COMM"),
		ProcessImagePath: field(fields, "_EXE"),
		Sender:           field(fields, "SYSLOG_IDENTIFIER"),
		Category:         field(fields, "CODE_FUNC"),
		Message:          field(fields, "MESSAGE"),
		Level:            core.LevelDefault,
	}
	r.Subsystem = field(fields, "_SYSTEMD_USER_UNIT")
	if r.Subsystem == "" {
		r.Subsystem = field(fields, "_SYSTEMD_UNIT")
	}
	if pid, err := strconv.Atoi(field(fields, "_PID")); err == nil && pid > 0 {
		r.PID = pid
	}
	if prio, err := strconv.Atoi(field(fields, "PRIORITY")); err == nil {
		r.Level = core.LevelFromPriority(prio)
	}
	r.Timestamp = timestamp(fields, clock)
	return r, nil
}

func timestamp(fields map[string]json.RawMessage, clock *timesync.Converter) time.Time {
	if clock != nil && clock.SameBoot(field(fields, "_BOOT_ID")) {
		if usec, err := strconv.ParseUint(field(fields, "__MONOTONIC_TIMESTAMP"), 10, 64); err == nil {
			return clock.FromMonotonic(usec)
		}
	}
	if usec, err := strconv.ParseUint(field(fields, "__REALTIME_TIMESTAMP"), 10, 64); err == nil {
		return timesync.FromRealtime(usec)
	}
	return time.Now()
}

// field decodes a journal field. journald emits strings, byte arrays for
// non-UTF-8 data, and arrays when a field repeats.
func field(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b []byte
	var nums []int
	if err := json.Unmarshal(raw, &nums); err == nil {
		b = make([]byte, len(nums))
		for i, n := range nums {
			b[i] = byte(n)
		}
		return string(b)
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}
