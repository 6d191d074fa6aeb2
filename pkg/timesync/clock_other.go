//go:build !linux

package timesync

import (
	"errors"
	"time"
)

func monotonicNow() (time.Duration, error) {
	return 0, errors.New("CLOCK_MONOTONIC offsets are only supported on linux")
}
