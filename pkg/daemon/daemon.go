// Package daemon runs one correlation engine per configured device and
// publishes their events over the unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/engine"
	"github.com/modoterra/micmon/pkg/transport/uds"
)

// DefaultHistorySize is the number of events kept for History requests.
const DefaultHistorySize = 100

// statusTimeout bounds a single engine status query.
const statusTimeout = 2 * time.Second

// Engine is the surface of engine.Engine the daemon drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Status(ctx context.Context) (engine.Status, error)
}

// Record is an event tagged with the configured device name.
type Record struct {
	Name  string     `json:"name"`
	Event core.Event `json:"event"`
}

// DeviceStatus is one entry of a Status response.
type DeviceStatus struct {
	Name   string        `json:"name"`
	Status engine.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// StatusResponse is the response to a Status request.
type StatusResponse struct {
	Version string         `json:"version,omitempty"`
	Devices []DeviceStatus `json:"devices"`
	Clients int            `json:"clients"`
}

type monitor struct {
	name string
	eng  Engine

	mu      sync.Mutex
	lastErr error
}

func (m *monitor) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *monitor) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Daemon is the main micmond process.
type Daemon struct {
	socketPath string
	server     *uds.Server
	monitors   []*monitor
	history    *History
	version    string

	// retryBase is the first delay before restarting an engine that failed
	// to start.
	retryBase time.Duration

	logger *slog.Logger
}

// New creates a new daemon instance.
func New(socketPath, version string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		socketPath: socketPath,
		server:     uds.NewServer(socketPath, logger),
		history:    NewHistory(DefaultHistorySize),
		version:    version,
		retryBase:  time.Second,
		logger:     logger,
	}
	d.registerHandlers()
	return d
}

// Handler returns the event handler for the engine of the named device.
// Every event is kept in history and broadcast to connected clients.
func (d *Daemon) Handler(name string) engine.Handler {
	return func(ev core.Event) {
		rec := Record{Name: name, Event: ev}
		d.history.Add(rec)
		msg, err := uds.NewEvent(uds.EventActivation, rec)
		if err != nil {
			d.logger.Error("encode event", "device", name, "err", err)
			return
		}
		d.server.Broadcast(msg)
	}
}

// AddEngine registers the engine for a named device. Call before Run.
func (d *Daemon) AddEngine(name string, eng Engine) {
	d.monitors = append(d.monitors, &monitor{name: name, eng: eng})
}

// SocketPath returns the path the daemon listens on.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.server.Ready()
}

// History returns the event history.
func (d *Daemon) History() *History {
	return d.history
}

// Run serves the socket and runs every engine until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if len(d.monitors) == 0 {
		return errors.New("no devices configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Start(ctx)
	})
	for _, m := range d.monitors {
		m := m
		g.Go(func() error {
			d.runEngine(ctx, m)
			return nil
		})
	}
	err := g.Wait()
	d.server.Shutdown()
	return err
}

// runEngine keeps one engine started, retrying with backoff while its
// collaborators are unavailable.
func (d *Daemon) runEngine(ctx context.Context, m *monitor) {
	for attempt := 1; ; attempt++ {
		err := m.eng.Start(ctx)
		if err == nil {
			m.setErr(nil)
			break
		}
		m.setErr(err)
		delay := backoff(d.retryBase, attempt)
		d.logger.Error("engine start failed", "device", m.name, "err", err, "retry_in", delay, "attempt", attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	d.logger.Info("monitoring device", "device", m.name)
	<-ctx.Done()
	m.eng.Stop()
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodStatus, d.handleStatus)
	d.server.Handle(uds.MethodHistory, d.handleHistory)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: d.version}, nil
}

func (d *Daemon) handleStatus(ctx context.Context, _ uds.Message) (any, error) {
	resp := StatusResponse{
		Version: d.version,
		Devices: make([]DeviceStatus, 0, len(d.monitors)),
		Clients: d.server.Clients(),
	}
	for _, m := range d.monitors {
		ds := DeviceStatus{Name: m.name}
		qctx, cancel := context.WithTimeout(ctx, statusTimeout)
		st, err := m.eng.Status(qctx)
		cancel()
		if err != nil {
			ds.Error = fmt.Sprintf("status: %v", err)
		} else {
			ds.Status = st
		}
		if err := m.err(); err != nil && ds.Error == "" {
			ds.Error = err.Error()
		}
		resp.Devices = append(resp.Devices, ds)
	}
	return resp, nil
}

func (d *Daemon) handleHistory(_ context.Context, msg uds.Message) (any, error) {
	var req uds.HistoryRequest
	if len(msg.Data) > 0 {
		if err := msg.Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	return d.history.List(req.Limit, req.Device), nil
}

// backoff returns an exponential delay: base, 2×base, 4×base, capped at
// 30 times base.
func backoff(base time.Duration, attempt int) time.Duration {
	limit := 30 * base
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return limit
	}
	d := base << uint(attempt-1)
	if d > limit {
		d = limit
	}
	return d
}
