// Package engine attributes audio input activations to the processes that
// caused them.
//
// An Engine watches one device's running property and, at the same time,
// keeps a short window of client registration records from the system log.
// When the device turns on, it picks the record closest in time to the
// transition and reports the process behind it. Every OFF→ON→OFF episode
// produces exactly one attributed or unattributed event followed by one
// deactivated event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modoterra/micmon/pkg/core"
	"github.com/modoterra/micmon/pkg/logsource"
	"github.com/modoterra/micmon/pkg/procinfo"
	"github.com/modoterra/micmon/pkg/watcher"
)

// ErrAlreadyStarted is returned by Start when the engine is running.
var ErrAlreadyStarted = errors.New("engine already started")

// unitLookupTimeout bounds the optional service unit enrichment.
const unitLookupTimeout = 500 * time.Millisecond

// Handler receives engine events on the engine's loop goroutine. It must
// not call Stop or Status.
type Handler func(core.Event)

// Resolver enriches a chosen record with process metadata.
type Resolver interface {
	ResolvePath(pid int) (string, error)
	LookupName(name string) (pid int, path string, err error)
	Unit(ctx context.Context, pid int) string
}

// Deps are the platform collaborators of an Engine.
type Deps struct {
	Properties core.PropertySource
	Logs       core.LogStreamSource
	Resolver   Resolver
}

// Stats counts engine activity across the engine's lifetime.
type Stats struct {
	Log          logsource.Stats `json:"log"`
	Buffered     int             `json:"buffered"`
	Overflowed   uint64          `json:"overflowed"`
	Attributed   uint64          `json:"attributed"`
	Unattributed uint64          `json:"unattributed"`
	Deactivated  uint64          `json:"deactivated"`
	Restarts     uint64          `json:"restarts"`
}

// Status is a point-in-time view of an engine.
type Status struct {
	Device    core.Device       `json:"device"`
	Session   string            `json:"session,omitempty"`
	State     State             `json:"state"`
	Client    *core.ClientState `json:"client,omitempty"`
	Episode   uint64            `json:"episode"`
	LogActive bool              `json:"log_active"`
	Degraded  bool              `json:"degraded"`
	Stats     Stats             `json:"stats"`
}

type resolveReason string

const (
	resolveSettle   resolveReason = "settle"
	resolveTimeout  resolveReason = "timeout"
	resolveOff      resolveReason = "off"
	resolveEnded    resolveReason = "stream_ended"
	resolveDegraded resolveReason = "no_stream"
)

type streamEnd struct {
	gen uint64
	err error
}

// search is an open attribution attempt for the current episode.
type search struct {
	query   Query
	timeout *time.Timer
	settle  *time.Timer
}

func (s *search) stop() {
	s.timeout.Stop()
	if s.settle != nil {
		s.settle.Stop()
	}
}

// Engine correlates one device with the system log.
type Engine struct {
	cfg      Config
	props    core.PropertySource
	resolver Resolver
	handler  Handler
	logger   *slog.Logger

	logs    *logsource.Source
	watcher *watcher.Watcher

	// Producer channels. Sends never block the producers.
	signals   chan time.Time
	records   chan core.LogRecord
	ended     chan streamEnd
	statusReq chan chan Status

	overflowed atomic.Uint64

	// mu serializes Start, Stop and idle Status reads.
	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	// Owned by the loop goroutine while running.
	ctx          context.Context
	matcher      *Matcher
	device       core.Device
	session      string
	state        State
	client       core.ClientState
	episode      uint64
	since        time.Time
	lastOff      time.Time
	window       *ring
	search       *search
	streamGen    uint64
	logActive    bool
	restartTimer *time.Timer
	attributed   uint64
	unattributed uint64
	deactivated  uint64
	restarts     uint64
}

// New creates an idle engine.
func New(cfg Config, deps Deps, h Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		props:     deps.Properties,
		resolver:  deps.Resolver,
		handler:   h,
		logger:    logger,
		logs:      logsource.New(deps.Logs, logger),
		signals:   make(chan time.Time, 1),
		records:   make(chan core.LogRecord, cfg.RecordQueue),
		ended:     make(chan streamEnd, 1),
		statusReq: make(chan chan Status),
		window:    newRing(cfg.BufferSize),
		ctx:       context.Background(),
	}
	e.watcher = watcher.New(deps.Properties, e.signal, logger)
	return e
}

// Start resolves the device, starts the log stream and the device watch,
// and begins a new session. On failure nothing is left running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := Compile(e.cfg.Signature)
	if err != nil {
		return fmt.Errorf("engine signature: %w", err)
	}
	dev, err := e.props.Resolve(e.cfg.Device)
	if err != nil {
		return fmt.Errorf("resolve device %q: %w", e.cfg.Device, errors.Join(core.ErrCollaboratorUnavailable, err))
	}

	e.matcher = m
	e.device = dev
	e.drain()
	e.reset()

	quit := make(chan struct{})
	e.quit = quit
	if err := e.startLogs(); err != nil {
		return fmt.Errorf("start %s: %w", dev.UID, err)
	}
	e.logActive = true

	if err := e.watcher.Watch(dev); err != nil {
		e.logs.Stop()
		e.logActive = false
		return fmt.Errorf("start %s: %w", dev.UID, err)
	}

	on, err := e.watcher.CurrentState(dev)
	if err != nil {
		e.logger.Warn("initial device state unreadable, assuming off", "device", dev.UID, "err", err)
		on = false
	}

	e.session = uuid.NewString()
	e.ctx = context.WithoutCancel(ctx)
	e.state = StateArmed
	e.done = make(chan struct{})
	e.running = true

	var seed time.Time
	if on {
		seed = time.Now()
	}
	go e.run(quit, e.done, seed)

	e.logger.Info("engine started", "device", dev.String(), "session", e.session, "running", on)
	return nil
}

// Stop ends the session and releases the collaborators. It is idempotent.
// Once it returns the handler is not called again. It must not be called
// from the handler.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	close(e.quit)
	<-e.done

	if err := e.watcher.Unwatch(e.device); err != nil {
		e.logger.Warn("unwatch device", "device", e.device.UID, "err", err)
	}
	e.logs.Stop()

	e.running = false
	e.state = StateIdle
	e.client = core.ClientState{}
	e.search = nil
	e.logActive = false
	e.logger.Info("engine stopped", "device", e.device.UID, "session", e.session)
}

// Status reports the engine's state. While running it is answered by the
// loop goroutine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	if !e.running {
		st := e.snapshot()
		e.mu.Unlock()
		return st, nil
	}
	done := e.done
	e.mu.Unlock()

	reply := make(chan Status, 1)
	select {
	case e.statusReq <- reply:
		return <-reply, nil
	case <-done:
		return e.Status(ctx)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// signal is the watcher hook. Pending signals coalesce.
func (e *Engine) signal(_ core.Device, observed time.Time) {
	select {
	case e.signals <- observed:
	default:
	}
}

func (e *Engine) enqueue(r core.LogRecord) {
	select {
	case e.records <- r:
	default:
		e.overflowed.Add(1)
	}
}

func (e *Engine) startLogs() error {
	e.streamGen++
	gen := e.streamGen
	quit := e.quit
	filter := core.FilterSpec{
		Predicate: e.matcher.Match,
		MinLevel:  e.cfg.Signature.MinLevel,
		Matches:   e.cfg.Signature.Matches,
	}
	return e.logs.Start(filter, logsource.Handlers{
		OnRecord: e.enqueue,
		OnEnded: func(err error) {
			select {
			case e.ended <- streamEnd{gen: gen, err: err}:
			case <-quit:
			}
		},
	})
}

func (e *Engine) run(quit <-chan struct{}, done chan<- struct{}, seed time.Time) {
	defer close(done)
	defer e.stopTimers()

	if !seed.IsZero() {
		e.activate(seed)
	}

	for {
		select {
		case <-quit:
			return
		case at := <-e.signals:
			e.handleSignal(at)
		case r := <-e.records:
			e.handleRecord(r)
		case end := <-e.ended:
			e.handleEnded(end)
		case <-e.settleC():
			e.resolve(resolveSettle)
		case <-e.timeoutC():
			e.resolve(resolveTimeout)
		case <-timerC(e.restartTimer):
			e.restartTimer = nil
			e.restartLogs()
		case reply := <-e.statusReq:
			reply <- e.snapshot()
		}
	}
}

func (e *Engine) handleSignal(observed time.Time) {
	on := e.readRunning()
	switch {
	case e.state == StateArmed && on:
		e.activate(observed)
	case e.state == StateActive && !on:
		e.deactivate(observed)
	default:
		e.logger.Debug("signal without transition", "device", e.device.UID, "state", e.state, "running", on)
	}
}

func (e *Engine) readRunning() bool {
	on, err := e.watcher.CurrentState(e.device)
	if err != nil {
		e.logger.Warn("read device state", "device", e.device.UID, "err", err)
		return false
	}
	return on
}

func (e *Engine) activate(at time.Time) {
	e.state = StateActive
	e.episode++
	e.since = at
	e.client = core.ClientState{}
	e.logger.Debug("device activated", "device", e.device.UID, "episode", e.episode)

	if !e.logActive {
		e.emitUnattributed(resolveDegraded)
		return
	}

	s := &search{
		query:   Query{Since: at, Skew: e.cfg.Skew, Window: e.cfg.Window, After: e.lastOff},
		timeout: time.NewTimer(e.cfg.Timeout),
	}
	e.search = s
	for _, r := range e.window.records() {
		if IsCandidate(r, e.matcher, s.query) {
			s.settle = time.NewTimer(e.cfg.Settle)
			break
		}
	}
}

func (e *Engine) deactivate(at time.Time) {
	if e.search != nil {
		e.resolve(resolveOff)
	}
	e.state = StateArmed
	e.client = core.ClientState{}
	e.lastOff = at
	e.deactivated++
	e.emit(core.Deactivated(e.device, e.session, e.episode, at))
}

func (e *Engine) handleRecord(r core.LogRecord) {
	e.window.push(r)
	if s := e.search; s != nil && s.settle == nil && IsCandidate(r, e.matcher, s.query) {
		s.settle = time.NewTimer(e.cfg.Settle)
	}
}

// drainRecords moves already queued records into the window.
func (e *Engine) drainRecords() {
	for {
		select {
		case r := <-e.records:
			e.handleRecord(r)
		default:
			return
		}
	}
}

func (e *Engine) resolve(reason resolveReason) {
	s := e.search
	if s == nil {
		return
	}
	if reason != resolveEnded {
		e.drainRecords()
	}
	e.search = nil
	s.stop()

	if reason == resolveEnded {
		e.emitUnattributed(reason)
		return
	}
	c, ok := Select(e.window.records(), e.matcher, s.query)
	if !ok {
		e.emitUnattributed(reason)
		return
	}

	p := e.attribute(c)
	e.client = core.NewClientState(p.PID, p.Name, e.since)
	e.attributed++
	e.logger.Debug("search resolved", "device", e.device.UID, "reason", reason, "pid", p.PID, "name", p.Name)
	e.emit(core.Attributed(e.device, e.session, e.episode, e.since, p))
}

func (e *Engine) emitUnattributed(reason resolveReason) {
	e.client = core.NewClientState(0, "", e.since)
	e.unattributed++
	e.logger.Debug("search unresolved", "device", e.device.UID, "reason", reason)
	e.emit(core.Unattributed(e.device, e.session, e.episode, e.since))
}

// attribute turns a candidate into a process description. Lookup failures
// leave fields empty rather than dropping the attribution.
func (e *Engine) attribute(c Candidate) core.Process {
	r := c.Record
	pid, name := c.PID, c.Name
	var path string

	fromRecord := false
	if pid == 0 && r.PID > 0 {
		pid = r.PID
		fromRecord = true
	}
	if pid == 0 && e.resolver != nil {
		lookup := firstNonEmpty(name, r.Process, r.Sender)
		p, pth, err := e.resolver.LookupName(lookup)
		if err != nil {
			e.logger.Debug("process lookup failed", "name", lookup, "err", errors.Join(core.ErrResolutionFailed, err))
		} else {
			pid, path = p, pth
		}
	}

	if path == "" && fromRecord {
		path = r.ProcessImagePath
	}
	if path == "" && pid > 0 && e.resolver != nil {
		p, err := e.resolver.ResolvePath(pid)
		if err != nil {
			e.logger.Debug("process path unresolved", "pid", pid, "err", errors.Join(core.ErrResolutionFailed, err))
		} else {
			path = p
		}
	}

	// A pid not taken from the record belongs to a client the record only
	// mentions; Process and Sender name the logging process instead.
	if name == "" && pid > 0 && !fromRecord {
		name = procinfo.NameFromPath(path)
	}
	if name == "" {
		name = firstNonEmpty(r.Process, r.Sender)
	}
	if name == "" {
		name = procinfo.NameFromPath(path)
	}

	var unit string
	if pid > 0 && e.resolver != nil {
		ctx, cancel := context.WithTimeout(e.ctx, unitLookupTimeout)
		unit = e.resolver.Unit(ctx, pid)
		cancel()
	}
	return core.Process{PID: pid, Name: name, Path: path, Unit: unit}
}

func (e *Engine) handleEnded(end streamEnd) {
	if end.gen != e.streamGen {
		return
	}
	e.logActive = false
	e.logger.Warn("log stream ended", "device", e.device.UID, "err", end.err)
	if e.search != nil {
		e.resolve(resolveEnded)
	}
	if !e.cfg.RestartLogStream {
		e.logger.Warn("log stream restart disabled, attribution degraded", "device", e.device.UID)
		return
	}
	e.restartTimer = time.NewTimer(e.cfg.RestartDelay)
}

func (e *Engine) restartLogs() {
	e.restarts++
	if err := e.startLogs(); err != nil {
		e.logger.Error("log stream restart failed, attribution degraded", "device", e.device.UID, "err", err)
		return
	}
	e.logActive = true
	e.logger.Info("log stream restarted", "device", e.device.UID)
}

func (e *Engine) emit(ev core.Event) {
	e.logger.Info("activation event", "device", ev.Device.UID, "event", ev.Kind, "episode", ev.Episode)
	if e.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", "event", ev.Kind, "panic", r)
		}
	}()
	e.handler(ev)
}

func (e *Engine) snapshot() Status {
	st := Status{
		Device:    e.device,
		Session:   e.session,
		State:     e.state,
		Episode:   e.episode,
		LogActive: e.logActive,
		Degraded:  e.state != StateIdle && !e.logActive,
		Stats: Stats{
			Log:          e.logs.Stats(),
			Buffered:     e.window.len(),
			Overflowed:   e.overflowed.Load(),
			Attributed:   e.attributed,
			Unattributed: e.unattributed,
			Deactivated:  e.deactivated,
			Restarts:     e.restarts,
		},
	}
	if e.client.IsSet() {
		c := e.client
		st.Client = &c
	}
	return st
}

// reset clears per-session state before Start.
func (e *Engine) reset() {
	e.state = StateIdle
	e.client = core.ClientState{}
	e.episode = 0
	e.since = time.Time{}
	e.lastOff = time.Time{}
	e.search = nil
	e.restartTimer = nil
	e.window.reset()
}

// drain discards anything producers left behind from a previous session.
func (e *Engine) drain() {
	for {
		select {
		case <-e.signals:
		case <-e.records:
		case <-e.ended:
		default:
			return
		}
	}
}

func (e *Engine) stopTimers() {
	if e.search != nil {
		e.search.stop()
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
	}
}

func (e *Engine) settleC() <-chan time.Time {
	if e.search == nil {
		return nil
	}
	return timerC(e.search.settle)
}

func (e *Engine) timeoutC() <-chan time.Time {
	if e.search == nil {
		return nil
	}
	return timerC(e.search.timeout)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
