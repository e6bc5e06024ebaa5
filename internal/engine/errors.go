package engine

import "errors"

// unknownModeError is returned when a mode name is not configured.
type unknownModeError struct{ mode string }

func (e unknownModeError) Error() string { return "unknown mode: " + e.mode }

// ErrUnknownMode constructs an unknownModeError.
func ErrUnknownMode(mode string) error { return unknownModeError{mode: mode} }

// IsUnknownMode reports whether err names an unconfigured mode.
func IsUnknownMode(err error) bool {
	var e unknownModeError
	return errors.As(err, &e)
}

// ErrNoModelLoaded is returned by generation calls before LoadModel succeeds.
var ErrNoModelLoaded = errors.New("no model loaded")

// IsNoModelLoaded reports whether err is ErrNoModelLoaded.
func IsNoModelLoaded(err error) bool { return errors.Is(err, ErrNoModelLoaded) }

// ErrGenerationBusy is returned when a generation is already running. The
// engine never queues; callers that want queueing do it themselves.
var ErrGenerationBusy = errors.New("generation already in progress")

// IsBusy reports whether err is ErrGenerationBusy.
func IsBusy(err error) bool { return errors.Is(err, ErrGenerationBusy) }

// dependencyUnavailableError signals a backend that cannot run in this build
// or environment.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// schemaError reports a JSON Schema the grammar compiler cannot handle.
type schemaError struct{ msg string }

func (e schemaError) Error() string { return "schema: " + e.msg }

// IsSchemaError reports whether err came from grammar compilation.
func IsSchemaError(err error) bool {
	var e schemaError
	return errors.As(err, &e)
}
