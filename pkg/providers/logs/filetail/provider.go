// Package filetail streams log records from an NDJSON file.
//
// Each line is a JSON-encoded core.LogRecord. This covers hosts without
// journald, where a shipper writes records to a file.
package filetail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

const defaultPollInterval = 250 * time.Millisecond

// Options configures a Provider.
type Options struct {
	Path         string
	PollInterval time.Duration
}

// Provider implements core.LogStreamSource by tailing a file.
type Provider struct {
	opts   Options
	logger *slog.Logger
}

// New creates a file tail log provider.
func New(opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Provider{opts: opts, logger: logger}
}

// Open prepares a stream over the configured file.
func (p *Provider) Open(filter core.FilterSpec) (core.LogStream, error) {
	if p.opts.Path == "" {
		return nil, errors.New("filetail: no path configured")
	}
	return &stream{provider: p, filter: filter}, nil
}

type stream struct {
	provider *Provider
	filter   core.FilterSpec

	mu          sync.Mutex
	h           core.StreamHandlers
	cancel      context.CancelFunc
	done        chan struct{}
	invalidated bool
}

func (s *stream) SetHandlers(h core.StreamHandlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *stream) handlers() core.StreamHandlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// Activate opens the file and starts following it from the end.
func (s *stream) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return errors.New("file stream invalidated")
	}
	if s.done != nil {
		return errors.New("file stream already active")
	}

	path := s.provider.opts.Path
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.tail(ctx, f)

	s.provider.logger.Info("tailing file", "path", path)
	return nil
}

func (s *stream) tail(ctx context.Context, f *os.File) {
	defer close(s.done)
	defer f.Close()

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		if ctx.Err() != nil {
			return
		}

		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err == nil {
			s.handleLine(partial.String())
			partial.Reset()
			continue
		}

		// No new data. Poll, and start over if the file was truncated.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.provider.opts.PollInterval):
		}
		info, serr := f.Stat()
		if serr != nil {
			continue
		}
		pos, perr := f.Seek(0, io.SeekCurrent)
		if perr == nil && info.Size() < pos {
			s.provider.logger.Info("file truncated, reading from start", "path", s.provider.opts.Path)
			if _, err := f.Seek(0, io.SeekStart); err == nil {
				reader.Reset(f)
				partial.Reset()
			}
		}
	}
}

func (s *stream) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	h := s.handlers()

	var r core.LogRecord
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		s.provider.logger.Debug("skipping malformed record", "path", s.provider.opts.Path, "err", err)
		if h.OnDropped != nil {
			h.OnDropped(1)
		}
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if !s.filter.Accept(r) {
		return
	}
	if h.OnEvent != nil {
		h.OnEvent(r)
	}
}

// Invalidate stops tailing and waits for the reader to exit.
func (s *stream) Invalidate() {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
