package engine

import (
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

// Query bounds the records that may explain an activation at Since.
type Query struct {
	Since  time.Time
	Skew   time.Duration
	Window time.Duration

	// After excludes records at or before the previous episode's
	// deactivation. Zero disables the guard.
	After time.Time
}

// Contains reports whether ts falls inside the query window.
func (q Query) Contains(ts time.Time) bool {
	if ts.Before(q.Since.Add(-q.Skew)) || ts.After(q.Since.Add(q.Window)) {
		return false
	}
	return q.After.IsZero() || ts.After(q.After)
}

// Candidate is a record chosen to explain an activation, plus whatever the
// message pattern captured.
type Candidate struct {
	Record core.LogRecord
	PID    int
	Name   string
}

// IsCandidate reports whether r can be attributed for q.
func IsCandidate(r core.LogRecord, m *Matcher, q Query) bool {
	if r.Sender == "" && r.Process == "" {
		return false
	}
	return q.Contains(r.Timestamp) && m.Match(r)
}

// Select picks the record closest in time to q.Since. Ties go to the most
// recently delivered record.
func Select(records []core.LogRecord, m *Matcher, q Query) (Candidate, bool) {
	var (
		best     core.LogRecord
		bestDist time.Duration
		found    bool
	)
	for _, r := range records {
		if !IsCandidate(r, m, q) {
			continue
		}
		d := absDuration(r.Timestamp.Sub(q.Since))
		if !found || d < bestDist || (d == bestDist && r.Seq > best.Seq) {
			best, bestDist, found = r, d, true
		}
	}
	if !found {
		return Candidate{}, false
	}
	pid, name := m.groups(best.Message)
	return Candidate{Record: best, PID: pid, Name: name}, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ring keeps the most recent records up to its capacity.
type ring struct {
	buf   []core.LogRecord
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]core.LogRecord, size)}
}

func (r *ring) push(rec core.LogRecord) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// records returns the buffered records oldest first.
func (r *ring) records() []core.LogRecord {
	out := make([]core.LogRecord, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int { return r.n }

func (r *ring) reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}
