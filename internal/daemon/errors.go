package daemon

import "fmt"

// AlreadyRunningError is returned by Start when the pidfile names a live proxy.
type AlreadyRunningError struct {
	PID     int
	PidFile string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("proxy already running: pid %d (pidfile %s)", e.PID, e.PidFile)
}

// NotRunningError is returned by Stop when no live process owns the pidfile.
type NotRunningError struct {
	PidFile string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("no proxy running for pidfile %s", e.PidFile)
}

// BindError is returned when the metadata listener cannot be opened.
// It is fatal; binding is never retried.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
