package core

import "errors"

var (
	// ErrCollaboratorUnavailable means a device or log source could not be opened.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrStreamEnded means the platform closed a live log stream.
	ErrStreamEnded = errors.New("log stream ended")

	// ErrResolutionFailed means process metadata could not be looked up.
	ErrResolutionFailed = errors.New("process resolution failed")

	// ErrNotFound means a process or device does not exist (or is not visible).
	ErrNotFound = errors.New("not found")
)
