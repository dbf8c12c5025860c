package coherent

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVariant is generated when the identification names neither family
	ErrUnknownVariant = errors.New("identification matches no supported meter")

	// ErrOffline is generated by every instrument operation while the meter is OFF
	ErrOffline = errors.New("meter is offline, reinitialize to reconnect")

	// ErrDecode is wrapped by every DecodeError
	ErrDecode = errors.New("malformed measurement")

	// ErrAggregation is wrapped by every AggregationError
	ErrAggregation = errors.New("statistics unavailable")

	// ErrNoSample is generated when a cached field is read before any successful READ?
	ErrNoSample = errors.New("no measurement has been decoded yet")

	// ErrFieldUnavailable is generated when the cached sample lacks the field asked for
	ErrFieldUnavailable = errors.New("field not present in the last measurement")

	// ErrNotSupported is generated when an attribute does not exist on the connected variant
	ErrNotSupported = errors.New("not supported by this meter")

	// ErrBadValue is generated when a written value is out of its domain
	ErrBadValue = errors.New("value out of range")
)

// ConnectionError is a failure to open the transport or identify the meter
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to meter at %s: %v", e.Addr, e.Err)
}

// Unwrap returns the cause
func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError is a reply to READ? that does not fit the active field layout
type DecodeError struct {
	Line string

	// Field is the index of the offending field, -1 for a count mismatch
	Field int

	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("malformed measurement %q: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed measurement %q: field %d: %s", e.Line, e.Field, e.Reason)
}

// Unwrap returns ErrDecode so errors.Is works against the sentinel
func (e *DecodeError) Unwrap() error { return ErrDecode }

// AggregationError is a statistic requested over data that cannot produce one
type AggregationError struct {
	Reason string
}

func (e *AggregationError) Error() string {
	return "statistics unavailable: " + e.Reason
}

// Unwrap returns ErrAggregation
func (e *AggregationError) Unwrap() error { return ErrAggregation }
