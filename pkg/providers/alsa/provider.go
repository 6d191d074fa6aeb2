// Package alsa reads capture device state from the ALSA procfs tree.
//
// Each capture PCM appears as /proc/asound/cardC/pcmDc. A device is running
// while any of its substreams reports "state: RUNNING".
package alsa

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/micmon/pkg/core"
)

const (
	DefaultRoot         = "/proc/asound"
	DefaultPollInterval = 250 * time.Millisecond
)

// Options configures a Provider.
type Options struct {
	Root         string
	PollInterval time.Duration
}

// CaptureDevice is a capture PCM as listed by List.
type CaptureDevice struct {
	core.Device
	Card   int    `json:"card"`
	PCM    int    `json:"pcm"`
	CardID string `json:"card_id"`
	USB    bool   `json:"usb"`
}

// Provider implements core.PropertySource over /proc/asound.
type Provider struct {
	root     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	next    core.ListenerID
	pollers map[core.ListenerID]*poller
}

// New creates a provider.
func New(opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Provider{
		root:     opts.Root,
		interval: opts.PollInterval,
		logger:   logger,
		pollers:  make(map[core.ListenerID]*poller),
	}
}

// List returns every capture device, ordered by card and PCM number.
func (p *Provider) List() ([]CaptureDevice, error) {
	cards, err := filepath.Glob(filepath.Join(p.root, "card[0-9]*"))
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}

	var devices []CaptureDevice
	for _, cardDir := range cards {
		card, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(cardDir), "card"))
		if err != nil {
			continue
		}
		pcms, err := filepath.Glob(filepath.Join(cardDir, "pcm[0-9]*c"))
		if err != nil {
			continue
		}
		cardID := readTrimmed(filepath.Join(cardDir, "id"))
		_, usbErr := os.Stat(filepath.Join(cardDir, "usbid"))

		for _, pcmDir := range pcms {
			num := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(pcmDir), "pcm"), "c")
			pcm, err := strconv.Atoi(num)
			if err != nil {
				continue
			}
			devices = append(devices, CaptureDevice{
				Device: core.Device{
					UID:      fmt.Sprintf("hw:%d,%d", card, pcm),
					Name:     deviceName(cardID, infoField(filepath.Join(pcmDir, "info"), "name")),
					ObjectID: uint32(card)<<8 | uint32(pcm),
				},
				Card:   card,
				PCM:    pcm,
				CardID: cardID,
				USB:    usbErr == nil,
			})
		}
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Card != devices[j].Card {
			return devices[i].Card < devices[j].Card
		}
		return devices[i].PCM < devices[j].PCM
	})
	return devices, nil
}

// Resolve finds a capture device. The empty selector picks the first
// built-in (non-USB) device, falling back to the first device of any kind.
// Otherwise the selector matches a UID exactly, or a name or card id as a
// case-insensitive substring.
func (p *Provider) Resolve(selector string) (core.Device, error) {
	devices, err := p.List()
	if err != nil {
		return core.Device{}, err
	}
	if len(devices) == 0 {
		return core.Device{}, fmt.Errorf("no capture devices under %s: %w", p.root, core.ErrNotFound)
	}

	if selector == "" {
		for _, d := range devices {
			if !d.USB {
				return d.Device, nil
			}
		}
		return devices[0].Device, nil
	}

	for _, d := range devices {
		if d.UID == selector {
			return d.Device, nil
		}
	}
	needle := strings.ToLower(selector)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) || strings.Contains(strings.ToLower(d.CardID), needle) {
			return d.Device, nil
		}
	}
	return core.Device{}, fmt.Errorf("capture device %q: %w", selector, core.ErrNotFound)
}

// ReadRunning reports whether any substream of the device is running.
func (p *Provider) ReadRunning(dev core.Device) (bool, error) {
	dir := p.pcmDir(dev)
	subs, err := filepath.Glob(filepath.Join(dir, "sub[0-9]*"))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", dev.UID, err)
	}
	if len(subs) == 0 {
		if _, err := os.Stat(dir); err != nil {
			return false, fmt.Errorf("read %s: %w", dev.UID, core.ErrNotFound)
		}
		return false, nil
	}
	for _, sub := range subs {
		if substreamRunning(filepath.Join(sub, "status")) {
			return true, nil
		}
	}
	return false, nil
}

// Register starts a poller for dev that calls cb on every state change.
func (p *Provider) Register(dev core.Device, cb func()) (core.ListenerID, error) {
	initial, err := p.ReadRunning(dev)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := p.next
	pl := newPoller(p, dev, initial, cb)
	p.pollers[id] = pl
	go pl.run()

	p.logger.Debug("polling capture device", "device", dev.UID, "interval", p.interval, "listener", id)
	return id, nil
}

// Unregister stops the listener's poller and waits for it to exit.
func (p *Provider) Unregister(id core.ListenerID) error {
	p.mu.Lock()
	pl, ok := p.pollers[id]
	delete(p.pollers, id)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("listener %d: %w", id, core.ErrNotFound)
	}
	pl.stop()
	return nil
}

// Close stops every poller.
func (p *Provider) Close() {
	p.mu.Lock()
	pollers := p.pollers
	p.pollers = make(map[core.ListenerID]*poller)
	p.mu.Unlock()

	for _, pl := range pollers {
		pl.stop()
	}
}

func (p *Provider) pcmDir(dev core.Device) string {
	card := dev.ObjectID >> 8
	pcm := dev.ObjectID & 0xff
	return filepath.Join(p.root, fmt.Sprintf("card%d", card), fmt.Sprintf("pcm%dc", pcm))
}

func deviceName(cardID, pcmName string) string {
	switch {
	case cardID == "":
		return pcmName
	case pcmName == "":
		return cardID
	default:
		return cardID + ": " + pcmName
	}
}

func substreamRunning(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if k, v, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(k) == "state" {
			return strings.TrimSpace(v) == "RUNNING"
		}
	}
	return false
}

// infoField returns a "key: value" field from a pcm info file.
func infoField(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
