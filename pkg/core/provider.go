package core

// ListenerID identifies a registered property listener.
type ListenerID uint64

// PropertySource exposes a device's "is running" property.
type PropertySource interface {
	// Resolve finds a device by selector. The empty selector means the
	// built-in (default) input device.
	Resolve(selector string) (Device, error)

	// Register installs cb to be called, from a source-owned goroutine,
	// at least once per change of the running property. cb carries no value;
	// callers re-read with ReadRunning.
	Register(dev Device, cb func()) (ListenerID, error)

	// Unregister removes a listener. No cb call is in flight once it returns.
	Unregister(id ListenerID) error

	// ReadRunning reads the property synchronously.
	ReadRunning(dev Device) (bool, error)
}

// StreamHandlers receive callbacks from a live log stream.
type StreamHandlers struct {
	OnEvent       func(LogRecord)
	OnDropped     func(n int)
	OnInvalidated func(err error)
}

// LogStream is a single live system log stream.
type LogStream interface {
	SetHandlers(h StreamHandlers)
	Activate() error
	Invalidate()
}

// LogStreamSource opens live log streams.
type LogStreamSource interface {
	Open(filter FilterSpec) (LogStream, error)
}
