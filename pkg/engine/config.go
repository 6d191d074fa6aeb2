package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

// Signature describes the log record an audio client emits when it
// registers with the audio stack. Empty fields match anything.
type Signature struct {
	Subsystem      string
	Category       string
	MessagePattern string
	MinLevel       core.Level
	Matches        []string
}

// Config tunes one engine.
type Config struct {
	// Device is the selector passed to PropertySource.Resolve. Empty means
	// the built-in input.
	Device string

	Window  time.Duration
	Skew    time.Duration
	Settle  time.Duration
	Timeout time.Duration

	BufferSize  int
	RecordQueue int

	RestartLogStream bool
	RestartDelay     time.Duration

	Signature Signature
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Window:           2 * time.Second,
		Skew:             500 * time.Millisecond,
		Settle:           150 * time.Millisecond,
		Timeout:          2500 * time.Millisecond,
		BufferSize:       256,
		RecordQueue:      1024,
		RestartLogStream: true,
		RestartDelay:     time.Second,
		Signature:        Signature{MinLevel: core.LevelInfo},
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Skew < 0 {
		c.Skew = 0
	}
	if c.Settle <= 0 {
		c.Settle = d.Settle
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.RecordQueue <= 0 {
		c.RecordQueue = d.RecordQueue
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	return c
}

// Matcher is a compiled Signature.
type Matcher struct {
	subsystem string
	category  string
	re        *regexp.Regexp
	pidGroup  int
	nameGroup int
}

// Compile validates sig and returns its Matcher.
func Compile(sig Signature) (*Matcher, error) {
	m := &Matcher{subsystem: sig.Subsystem, category: sig.Category, pidGroup: -1, nameGroup: -1}
	if sig.MessagePattern == "" {
		return m, nil
	}
	re, err := regexp.Compile(sig.MessagePattern)
	if err != nil {
		return nil, fmt.Errorf("message pattern: %w", err)
	}
	m.re = re
	m.pidGroup = re.SubexpIndex("pid")
	m.nameGroup = re.SubexpIndex("name")
	return m, nil
}

// Match reports whether r looks like a client registration record.
func (m *Matcher) Match(r core.LogRecord) bool {
	if m == nil {
		return true
	}
	if m.subsystem != "" && r.Subsystem != m.subsystem {
		return false
	}
	if m.category != "" && r.Category != m.category {
		return false
	}
	return m.re == nil || m.re.MatchString(r.Message)
}

// groups extracts the optional pid and name captures from a message.
func (m *Matcher) groups(msg string) (pid int, name string) {
	if m == nil || m.re == nil {
		return 0, ""
	}
	sub := m.re.FindStringSubmatch(msg)
	if sub == nil {
		return 0, ""
	}
	if m.pidGroup > 0 && m.pidGroup < len(sub) {
		if n, err := strconv.Atoi(sub[m.pidGroup]); err == nil && n > 0 {
			pid = n
		}
	}
	if m.nameGroup > 0 && m.nameGroup < len(sub) {
		name = sub[m.nameGroup]
	}
	return pid, name
}
