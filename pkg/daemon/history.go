package daemon

import "sync"

// History keeps the most recent event records.
type History struct {
	mu      sync.Mutex
	records []Record
	max     int
}

// NewHistory creates a history holding up to max records.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == h.max {
		copy(h.records, h.records[1:])
		h.records = h.records[:h.max-1]
	}
	h.records = append(h.records, r)
}

// List returns records oldest first. A non-empty name keeps only that
// device; a positive limit keeps only the newest limit records.
func (h *History) List(limit int, name string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, 0, len(h.records))
	for _, r := range h.records {
		if name == "" || r.Name == name {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of records kept.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
