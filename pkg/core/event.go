package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the variant tag of an Event.
type EventKind string

const (
	EventAttributed   EventKind = "attributed"
	EventUnattributed EventKind = "unattributed"
	EventDeactivated  EventKind = "deactivated"
)

// Process identifies the client an activation was attributed to.
// Path is empty when the image path could not be resolved.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// Event is emitted once per causal transition of a watched device.
// Process is only set for EventAttributed.
type Event struct {
	Kind    EventKind
	Device  Device
	Session string
	Episode uint64
	Time    time.Time
	Process *Process
}

// Attributed builds an attributed event.
func Attributed(dev Device, session string, episode uint64, at time.Time, p Process) Event {
	return Event{Kind: EventAttributed, Device: dev, Session: session, Episode: episode, Time: at, Process: &p}
}

// Unattributed builds an event for an activation with no identified client.
func Unattributed(dev Device, session string, episode uint64, at time.Time) Event {
	return Event{Kind: EventUnattributed, Device: dev, Session: session, Episode: episode, Time: at}
}

// Deactivated builds an event for the end of an activation episode.
func Deactivated(dev Device, session string, episode uint64, at time.Time) Event {
	return Event{Kind: EventDeactivated, Device: dev, Session: session, Episode: episode, Time: at}
}

// String is used for log lines.
func (e Event) String() string {
	if e.Kind == EventAttributed && e.Process != nil {
		return fmt.Sprintf("%s %s: %s (pid %d)", e.Device.UID, e.Kind, e.Process.Name, e.Process.PID)
	}
	return fmt.Sprintf("%s %s", e.Device.UID, e.Kind)
}

type wireEvent struct {
	Timestamp string    `json:"timestamp"`
	Event     EventKind `json:"event"`
	Device    string    `json:"device"`
	DeviceUID string    `json:"device_uid"`
	Session   string    `json:"session,omitempty"`
	Episode   uint64    `json:"episode"`
	Process   *Process  `json:"process,omitempty"`
}

// MarshalJSON writes the one-line form consumed by scripts:
// {"timestamp":...,"event":"attributed","device":...,"process":{...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Timestamp: e.Time.Format(time.RFC3339Nano),
		Event:     e.Kind,
		Device:    e.Device.Name,
		DeviceUID: e.Device.UID,
		Session:   e.Session,
		Episode:   e.Episode,
	}
	if e.Kind == EventAttributed {
		w.Process = e.Process
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Event {
	case EventAttributed, EventUnattributed, EventDeactivated:
	default:
		return fmt.Errorf("unknown event kind %q", w.Event)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("event timestamp: %w", err)
	}
	*e = Event{
		Kind:    w.Event,
		Device:  Device{UID: w.DeviceUID, Name: w.Device},
		Session: w.Session,
		Episode: w.Episode,
		Time:    ts,
	}
	if w.Event == EventAttributed {
		if w.Process == nil {
			return fmt.Errorf("attributed event without process")
		}
		e.Process = w.Process
	}
	return nil
}
