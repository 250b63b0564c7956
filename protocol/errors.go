package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the codec boundary. Everything the decoder can
// produce wraps one of these, so callers classify with errors.Is.
var (
	// ErrNotInvocationContentType marks a content type that does not
	// belong to the invocation protocol at all.
	ErrNotInvocationContentType = errors.New("protocol: not an invocation protocol content type, make sure the service is invoked through the server rather than directly")

	// ErrUnsupportedVersion marks an invocation content type whose
	// version is outside anything this core knows how to parse.
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")

	// ErrUnknownMessageType marks a header whose discriminant is outside
	// the closed message set and the custom-entry space.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")

	// ErrMalformedMessage marks a payload that failed strict decoding.
	ErrMalformedMessage = errors.New("protocol: malformed message payload")
)

// TypeMismatchError is returned when a raw message is decoded into the
// wrong concrete message type. During replay this is surfaced by the VM as
// a journal mismatch, because it means the handler issued a different
// command than the one previously recorded.
type TypeMismatchError struct {
	Recorded MessageType
	Issued   MessageType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf(
		"protocol: found a mismatch between the code paths taken during the previous execution and the paths taken during this execution: the previous execution recorded '%s', the current execution attempts '%s'. This typically happens when parts of the handler code are non-deterministic",
		e.Recorded, e.Issued)
}
