package engine

import "fmt"

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "armed":
		*s = StateArmed
	case "active":
		*s = StateActive
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}
