// Package logsource wraps a live system log stream with lifecycle control.
package logsource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modoterra/micmon/pkg/core"
)

// ErrAlreadyActive is returned by Start while a stream is running.
var ErrAlreadyActive = errors.New("log stream already active")

// Handlers receive records and the end-of-stream notice.
type Handlers struct {
	OnRecord func(core.LogRecord)
	// OnEnded is called at most once per started stream, when the platform
	// invalidates it. It is not called for Stop.
	OnEnded func(err error)
}

// Stats counts stream activity across restarts.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Filtered  uint64 `json:"filtered"`
	Dropped   uint64 `json:"dropped"`
	Ended     uint64 `json:"ended"`
}

// Source owns at most one live stream at a time.
type Source struct {
	streams core.LogStreamSource
	logger  *slog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	// gate serializes deliveries against state changes: callbacks hold the
	// read side while running, Start/Stop/invalidation take the write side.
	gate     sync.RWMutex
	stream   core.LogStream
	gen      uint64
	active   bool
	filter   core.FilterSpec
	handlers Handlers

	// endedWG tracks OnEnded calls so Stop can wait them out.
	endedWG sync.WaitGroup

	seq       atomic.Uint64
	delivered atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
	ended     atomic.Uint64
}

// New creates a Source over the given stream collaborator.
func New(streams core.LogStreamSource, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{streams: streams, logger: logger}
}

// Start opens and activates a stream. OnRecord is called from the stream's
// delivery goroutine, once per matching record, in arrival order.
// Handlers must not call Start or Stop.
func (s *Source) Start(filter core.FilterSpec, h Handlers) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Active() {
		return ErrAlreadyActive
	}

	stream, err := s.streams.Open(filter)
	if err != nil {
		return fmt.Errorf("open log stream: %w", errors.Join(core.ErrCollaboratorUnavailable, err))
	}

	s.gate.Lock()
	s.gen++
	gen := s.gen
	s.stream = stream
	s.filter = filter
	s.handlers = h
	s.active = true
	s.gate.Unlock()

	stream.SetHandlers(core.StreamHandlers{
		OnEvent:       func(r core.LogRecord) { s.deliver(gen, r) },
		OnDropped:     func(n int) { s.droppedNotice(gen, n) },
		OnInvalidated: func(err error) { s.invalidated(gen, err) },
	})

	if err := stream.Activate(); err != nil {
		s.gate.Lock()
		if s.gen == gen {
			s.active = false
			s.stream = nil
			s.gen++
		}
		s.gate.Unlock()
		stream.Invalidate()
		return fmt.Errorf("activate log stream: %w", errors.Join(core.ErrCollaboratorUnavailable, err))
	}

	s.logger.Info("log stream started", "min_level", filter.MinLevel, "matches", filter.Matches)
	return nil
}

// Stop invalidates the stream. It is idempotent; once it returns no handler
// is running and none will be called for the stopped stream.
func (s *Source) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.gate.Lock()
	stream := s.stream
	wasActive := s.active
	s.active = false
	s.stream = nil
	s.gen++
	s.gate.Unlock()

	if stream != nil {
		stream.Invalidate()
	}
	s.endedWG.Wait()
	if wasActive {
		s.logger.Info("log stream stopped")
	}
}

// Active reports whether a stream is running.
func (s *Source) Active() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.active
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Filtered:  s.filtered.Load(),
		Dropped:   s.dropped.Load(),
		Ended:     s.ended.Load(),
	}
}

func (s *Source) deliver(gen uint64, r core.LogRecord) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if !s.active || gen != s.gen {
		return
	}
	if !s.filter.Accept(r) {
		s.filtered.Add(1)
		return
	}
	r.Seq = s.seq.Add(1)
	s.delivered.Add(1)
	if s.handlers.OnRecord != nil {
		s.handlers.OnRecord(r)
	}
}

func (s *Source) droppedNotice(gen uint64, n int) {
	s.gate.RLock()
	current := s.active && gen == s.gen
	s.gate.RUnlock()
	if !current || n <= 0 {
		return
	}
	total := s.dropped.Add(uint64(n))
	s.logger.Warn("log stream dropped events", "dropped", n, "total", total)
}

func (s *Source) invalidated(gen uint64, err error) {
	s.gate.Lock()
	if !s.active || gen != s.gen {
		s.gate.Unlock()
		return
	}
	s.active = false
	s.stream = nil
	s.gen++
	onEnded := s.handlers.OnEnded
	s.endedWG.Add(1)
	s.gate.Unlock()
	defer s.endedWG.Done()

	s.ended.Add(1)
	if err == nil {
		err = core.ErrStreamEnded
	} else if !errors.Is(err, core.ErrStreamEnded) {
		err = fmt.Errorf("%w: %w", core.ErrStreamEnded, err)
	}
	s.logger.Warn("log stream ended", "err", err)
	if onEnded != nil {
		onEnded(err)
	}
}
