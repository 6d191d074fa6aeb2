package core

import (
	"fmt"
	"time"
)

// Device identifies a watched audio input device.
type Device struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	ObjectID uint32 `json:"object_id"`
}

// String returns a short human-readable form: "Name (UID)".
func (d Device) String() string {
	if d.Name == "" {
		return d.UID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.UID)
}

// IsZero reports whether the device is unset.
func (d Device) IsZero() bool {
	return d.UID == "" && d.ObjectID == 0
}

// ClientState is the process currently believed to hold the device.
// The zero value means no client is attributed.
type ClientState struct {
	PID   int       `json:"pid,omitempty"`
	Name  string    `json:"name,omitempty"`
	Since time.Time `json:"since"`
	set   bool
}

// NewClientState returns a set client state.
func NewClientState(pid int, name string, since time.Time) ClientState {
	return ClientState{PID: pid, Name: name, Since: since, set: true}
}

// IsSet reports whether a client is attributed.
func (c ClientState) IsSet() bool { return c.set }
