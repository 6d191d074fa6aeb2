// Package journald streams system log records from journalctl.
package journald

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/timesync"
)

const (
	defaultCommand   = "journalctl"
	defaultQueueSize = 256
)

// Options configures a Provider.
type Options struct {
	// Command is the journalctl binary. Empty means "journalctl" on PATH.
	Command   string
	QueueSize int
	// Clock converts monotonic timestamps. Nil falls back to realtime
	// timestamps for every record.
	Clock *timesync.Converter
}

// Provider implements core.LogStreamSource over `journalctl -f -o json`.
type Provider struct {
	opts   Options
	logger *slog.Logger
}

// New creates a journald log provider.
func New(opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Command == "" {
		opts.Command = defaultCommand
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Provider{opts: opts, logger: logger}
}

// Open prepares a stream. Nothing runs until Activate.
func (p *Provider) Open(filter core.FilterSpec) (core.LogStream, error) {
	if _, err := exec.LookPath(p.opts.Command); err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}
	return &stream{
		provider: p,
		filter:   filter,
		args:     Args(filter),
	}, nil
}

// Args builds the journalctl arguments for a filter. Only new entries are
// followed.
func Args(filter core.FilterSpec) []string {
	args := []string{"-f", "-o", "json", "-n", "0"}
	if filter.MinLevel > core.LevelDebug {
		args = append(args, "-p", strconv.Itoa(filter.MinLevel.Priority()))
	}
	return append(args, filter.Matches...)
}

type stream struct {
	provider *Provider
	filter   core.FilterSpec
	args     []string

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

// Activate starts journalctl and the reader and dispatch goroutines.
func (s *stream) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return errors.New("journal stream invalidated")
	}
	if s.done != nil {
		return errors.New("journal stream already active")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.provider.opts.Command, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("journalctl pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("journalctl start: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	queue := make(chan core.LogRecord, s.provider.opts.QueueSize)
	exited := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			r, err := Parse(scanner.Bytes(), s.provider.opts.Clock)
			if err != nil {
				s.provider.logger.Debug("skipping journal entry", "err", err)
				continue
			}
			if !s.filter.Accept(r) {
				continue
			}
			select {
			case queue <- r:
			default:
				if h := s.handlers(); h.OnDropped != nil {
					h.OnDropped(1)
				}
			}
		}
		// journalctl -f keeps running after a read error, so stop it
		// before waiting.
		scanErr := scanner.Err()
		if scanErr != nil {
			cancel()
		}
		err := cmd.Wait()
		if scanErr != nil {
			err = fmt.Errorf("read journal: %w", scanErr)
		}
		close(queue)
		exited <- err
	}()

	go func() {
		defer close(s.done)
		for r := range queue {
			if h := s.handlers(); h.OnEvent != nil {
				h.OnEvent(r)
			}
		}
		err := <-exited

		s.mu.Lock()
		ours := s.invalidated
		s.mu.Unlock()
		if ours {
			return
		}
		if err == nil {
			err = errors.New("journalctl exited")
		}
		s.provider.logger.Warn("journal stream ended", "err", err)
		if h := s.handlers(); h.OnInvalidated != nil {
			h.OnInvalidated(err)
		}
	}()

	s.provider.logger.Debug("journal stream active", "args", s.args)
	return nil
}

// Invalidate stops journalctl and waits for the goroutines to finish.
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
