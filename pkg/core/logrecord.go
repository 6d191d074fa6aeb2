package core

import (
	"fmt"
	"strings"
	"time"
)

// Level is a log record severity. Higher values are more severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelDefault
	LevelError
	LevelFault
)

var levelNames = [...]string{"debug", "info", "default", "error", "fault"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFault {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name. The empty string parses as LevelDefault.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelDefault, nil
	}
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return LevelDefault, fmt.Errorf("unknown level %q", s)
}

// LevelFromPriority maps a syslog/journald priority (0-7) to a Level.
func LevelFromPriority(prio int) Level {
	switch {
	case prio <= 2:
		return LevelFault
	case prio == 3:
		return LevelError
	case prio <= 5:
		return LevelDefault
	case prio == 6:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Priority is the inverse of LevelFromPriority, returning the least severe
// journald priority that still maps to l.
func (l Level) Priority() int {
	switch l {
	case LevelFault:
		return 2
	case LevelError:
		return 3
	case LevelDefault:
		return 5
	case LevelInfo:
		return 6
	default:
		return 7
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// LogRecord is a single system log entry. Records are passed by value and
// never mutated after the source produces them.
type LogRecord struct {
	Process          string    `json:"process,omitempty"`
	PID              int       `json:"pid,omitempty"`
	ProcessImagePath string    `json:"process_image_path,omitempty"`
	Sender           string    `json:"sender,omitempty"`
	SenderImagePath  string    `json:"sender_image_path,omitempty"`
	Category         string    `json:"category,omitempty"`
	Subsystem        string    `json:"subsystem,omitempty"`
	Level            Level     `json:"level"`
	Timestamp        time.Time `json:"timestamp"`
	Message          string    `json:"message,omitempty"`

	// Seq is the delivery order assigned by the log event source.
	Seq uint64 `json:"-"`
}

// FilterSpec selects which records a stream delivers. It is fixed for the
// lifetime of a stream.
type FilterSpec struct {
	Predicate func(LogRecord) bool
	MinLevel  Level

	// Matches are provider-native pre-filter terms (journalctl FIELD=value).
	Matches []string
}

// Accept reports whether r passes the level floor and predicate.
func (f FilterSpec) Accept(r LogRecord) bool {
	if r.Level < f.MinLevel {
		return false
	}
	return f.Predicate == nil || f.Predicate(r)
}
