// Package errors provides the error taxonomy shared by the Canopy
// aggregation components. It classifies errors into the handling classes
// the protocol cares about (invalid input, transient infrastructure
// trouble, fatal misconfiguration) and defines the domain sentinels used
// across packages.
package errors

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for handling purposes.
type Class int

const (
	// ClassTransient marks temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassInvalid marks errors caused by invalid input or payloads.
	ClassInvalid
	// ClassFatal marks unrecoverable errors that should stop the owning
	// subsystem.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Domain sentinels. Handlers compare against these with errors.Is.
var (
	// ErrNotRegistered is returned when a message arrives on a connection
	// that has not completed the registration handshake.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrDuplicateRecord is returned by the store when a telemetry row
	// violates the (ecosystem, source, measure, timestamp, value)
	// uniqueness constraint. The ingestion pipeline treats it as success.
	ErrDuplicateRecord = errors.New("duplicate telemetry record")

	// ErrSchemeUnknown is returned when a dispatcher or cache backend URI
	// carries a scheme no backend implements.
	ErrSchemeUnknown = errors.New("unknown backend scheme")

	// ErrDatasetConflict is returned when a cache store is opened for a
	// dataset name whose existing binding disagrees on TTL usage.
	ErrDatasetConflict = errors.New("cache dataset binding conflict")

	// ErrBackendUnreachable is returned by eager connectivity probes.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrNotStarted and ErrAlreadyStarted guard component lifecycles.
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStarted = errors.New("component already started")

	// ErrSessionNotFound is returned when a connection id resolves to no
	// live session.
	ErrSessionNotFound = errors.New("session not found")
)

// ClassifiedError wraps an error with its handling class.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapInvalid wraps an error as invalid input with context.
func WrapInvalid(err error, component, method, action string) error {
	return classify(ClassInvalid, err, component, method, action)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return classify(ClassTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return classify(ClassFatal, err, component, method, action)
}

func classify(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// IsInvalid reports whether err is classified as invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}
	return errors.Is(err, ErrSchemeUnknown) || errors.Is(err, ErrDatasetConflict)
}

// IsFatal reports whether err is classified as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}
	return errors.Is(err, ErrBackendUnreachable)
}

// IsTransient reports whether err is classified as transient. Unknown
// errors default to transient so callers may retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}
	return !IsInvalid(err) && !IsFatal(err)
}

// Re-exported stdlib helpers so callers need a single errors import.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
