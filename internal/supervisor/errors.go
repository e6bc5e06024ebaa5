package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// StartupTimeoutError means the process never answered its health check
// within the startup window. The attempt is abandoned and the process killed.
type StartupTimeoutError struct {
	Port    int
	Timeout time.Duration
	Tail    string
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("runtime not ready on port %d within %s", e.Port, e.Timeout)
}

// IsStartupTimeout reports whether err is a StartupTimeoutError.
func IsStartupTimeout(err error) bool {
	var te *StartupTimeoutError
	return errors.As(err, &te)
}

// PortUnavailableError means a port could not be bound. Start moves on to the
// next port when it sees one.
type PortUnavailableError struct {
	Port int
	Err  error
}

func (e *PortUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("port %d unavailable: %v", e.Port, e.Err)
	}
	return fmt.Sprintf("port %d unavailable", e.Port)
}

func (e *PortUnavailableError) Unwrap() error { return e.Err }

// IsPortUnavailable reports whether err is a PortUnavailableError.
func IsPortUnavailable(err error) bool {
	var pe *PortUnavailableError
	return errors.As(err, &pe)
}

// ExitError reports a process that exited before becoming ready.
type ExitError struct {
	PID  int
	Err  error
	Tail string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("runtime pid %d exited before ready", e.PID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Tail != "" {
		msg += "; output tail: " + e.Tail
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// dependencyUnavailableError signals that no runtime binary could be found
// or fetched.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// IsDependencyUnavailable reports whether err indicates a missing runtime binary.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}
