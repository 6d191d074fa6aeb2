// Package timesync converts journald monotonic timestamps (microseconds since
// boot) into time.Time values that carry Go's monotonic clock reading.
//
// Timestamps produced this way compare against time.Now() observations using
// the monotonic clock, so wall-clock steps (NTP, suspend adjustments) cannot
// move a log record into or out of a correlation window.
package timesync
