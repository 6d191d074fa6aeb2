package timesync

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// Converter maps CLOCK_MONOTONIC offsets onto a process-local anchor.
type Converter struct {
	anchor     time.Time // taken with time.Now(), so it has a monotonic reading
	anchorMono time.Duration
	bootID     string
}

// NewConverter anchors the converter to the current instant.
// The boot ID is best-effort; an empty boot ID disables monotonic conversion
// for records that carry one.
func NewConverter() (*Converter, error) {
	before, err := monotonicNow()
	if err != nil {
		return nil, fmt.Errorf("read monotonic clock: %w", err)
	}
	now := time.Now()
	after, err := monotonicNow()
	if err != nil {
		return nil, fmt.Errorf("read monotonic clock: %w", err)
	}
	bootID, _ := readBootID(bootIDPath)
	return &Converter{
		anchor:     now,
		anchorMono: before + (after-before)/2,
		bootID:     bootID,
	}, nil
}

// NewConverterAt builds a converter from an explicit anchor.
func NewConverterAt(anchor time.Time, anchorMono time.Duration, bootID string) *Converter {
	return &Converter{anchor: anchor, anchorMono: anchorMono, bootID: normalizeBootID(bootID)}
}

// FromMonotonic converts microseconds since boot to a time.Time.
func (c *Converter) FromMonotonic(usec uint64) time.Time {
	//nolint:gosec // microseconds since boot fit in int64
	mono := time.Duration(usec) * time.Microsecond
	return c.anchor.Add(mono - c.anchorMono)
}

// BootID returns the current boot ID without dashes (journald format).
func (c *Converter) BootID() string {
	return c.bootID
}

// SameBoot reports whether a journald _BOOT_ID refers to the current boot.
func (c *Converter) SameBoot(bootID string) bool {
	return c.bootID != "" && normalizeBootID(bootID) == c.bootID
}

// FromRealtime converts journald __REALTIME_TIMESTAMP microseconds.
func FromRealtime(usec uint64) time.Time {
	//nolint:gosec // microseconds since epoch fit in int64
	return time.UnixMicro(int64(usec))
}

func readBootID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}
	return normalizeBootID(string(data)), nil
}

func normalizeBootID(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}
