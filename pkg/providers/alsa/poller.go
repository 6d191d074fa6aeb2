package alsa

import (
	"context"
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

// poller re-reads one device every interval and reports state changes.
type poller struct {
	provider *Provider
	dev      core.Device
	cb       func()
	last     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(p *Provider, dev core.Device, initial bool, cb func()) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		provider: p,
		dev:      dev,
		cb:       cb,
		last:     initial,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// run blocks until stop is called.
func (pl *poller) run() {
	defer close(pl.done)

	ticker := time.NewTicker(pl.provider.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pl.ctx.Done():
			return
		case <-ticker.C:
			pl.tick()
		}
	}
}

func (pl *poller) tick() {
	running, err := pl.provider.ReadRunning(pl.dev)
	if err != nil {
		// A vanished device reads as stopped.
		pl.provider.logger.Debug("capture device read error", "device", pl.dev.UID, "err", err)
		running = false
	}
	if running == pl.last {
		return
	}
	pl.last = running
	if pl.ctx.Err() != nil {
		return
	}
	pl.cb()
}

// stop cancels the poller and waits for it, so no callback runs afterwards.
func (pl *poller) stop() {
	pl.cancel()
	<-pl.done
}
