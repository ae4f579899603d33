package myenergi

import (
	"errors"
	"fmt"
)

// ErrHubGone is returned when a device is asked to talk to the hub that
// discovered it after that hub has been released.
var ErrHubGone = errors.New("hub is no longer available")

// TransportError is returned for network failures and non-2xx responses.
type TransportError struct {
	Command    string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("myenergi %s: status %d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("myenergi %s: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnrecognizedDeviceKindError is returned for a generator slot whose type code
// isn't known.
type UnrecognizedDeviceKindError struct {
	Code string
}

func (e *UnrecognizedDeviceKindError) Error() string {
	return fmt.Sprintf("unrecognized device kind: %q", e.Code)
}

// UnrecognizedModeError is returned for a charge mode outside fast, eco and
// eco-plus.
type UnrecognizedModeError struct {
	Mode int
}

func (e *UnrecognizedModeError) Error() string {
	return fmt.Sprintf("unrecognized charge mode: %d", e.Mode)
}

// InvalidParameterError is returned when an explicit parameter order names a
// parameter that wasn't supplied.
type InvalidParameterError struct {
	Name string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("parameter %q is in the order but has no value", e.Name)
}

// MissingFieldError is returned when a device record lacks a required key.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// RecordError wraps the failure to decode a single device record.
type RecordError struct {
	Kind   DeviceKind
	Index  int
	Serial int64
	Err    error
}

func (e *RecordError) Error() string {
	if e.Serial != 0 {
		return fmt.Sprintf("%s record %d (serial %d): %v", e.Kind, e.Index, e.Serial, e.Err)
	}
	return fmt.Sprintf("%s record %d: %v", e.Kind, e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
