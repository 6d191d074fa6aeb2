// Package watcher turns device property notifications into change signals.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

// ErrAlreadyWatching is returned when a device already has a listener.
var ErrAlreadyWatching = errors.New("device already watched")

// SignalFunc receives "something changed" for a device along with the time
// the notification was observed. It runs on the property source's goroutine
// and must not block.
type SignalFunc func(dev core.Device, observed time.Time)

// Watcher manages one listener per device.
type Watcher struct {
	props     core.PropertySource
	signal    SignalFunc
	listeners map[string]core.ListenerID
	mu        sync.Mutex
	logger    *slog.Logger
}

// New creates a Watcher that forwards notifications to signal.
func New(props core.PropertySource, signal SignalFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		props:     props,
		signal:    signal,
		listeners: make(map[string]core.ListenerID),
		logger:    logger,
	}
}

// Watch registers a listener on the device's running property.
func (w *Watcher) Watch(dev core.Device) error {
	if dev.IsZero() {
		return fmt.Errorf("watch: no device: %w", core.ErrCollaboratorUnavailable)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.listeners[dev.UID]; ok {
		return fmt.Errorf("watch %s: %w", dev.UID, ErrAlreadyWatching)
	}

	id, err := w.props.Register(dev, func() { w.signal(dev, time.Now()) })
	if err != nil {
		return fmt.Errorf("watch %s: %w", dev.UID, errors.Join(core.ErrCollaboratorUnavailable, err))
	}
	w.listeners[dev.UID] = id
	w.logger.Debug("watching device", "device", dev.UID, "listener", id)
	return nil
}

// Unwatch removes the device's listener. Unwatching an unwatched device is a
// no-op.
func (w *Watcher) Unwatch(dev core.Device) error {
	w.mu.Lock()
	id, ok := w.listeners[dev.UID]
	delete(w.listeners, dev.UID)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	if err := w.props.Unregister(id); err != nil {
		return fmt.Errorf("unwatch %s: %w", dev.UID, err)
	}
	w.logger.Debug("unwatched device", "device", dev.UID)
	return nil
}

// Watching reports whether dev has a listener.
func (w *Watcher) Watching(dev core.Device) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.listeners[dev.UID]
	return ok
}

// CurrentState reads the device's running property.
func (w *Watcher) CurrentState(dev core.Device) (bool, error) {
	running, err := w.props.ReadRunning(dev)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", dev.UID, err)
	}
	return running, nil
}
