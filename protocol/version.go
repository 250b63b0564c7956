package protocol

import (
	"fmt"
	"strings"
)

// Version identifies a negotiated revision of the invocation protocol.
// The version is carried in the request content type and decides which
// message types and flags a peer may legally send.
type Version uint16

const (
	V1 Version = iota + 1
	V2
	V3
	V4
	V5
)

const contentTypePrefix = "application/vnd.restate.invocation.v"

// MinimumSupportedVersion and MaximumSupportedVersion bound the window of
// protocol versions this core accepts. Versions outside the window parse
// but are rejected during negotiation, per the published compatibility
// matrix: breaking protocol changes move the lower bound forward.
const (
	MinimumSupportedVersion = V4
	MaximumSupportedVersion = V5
)

// ContentType returns the content-type string advertising this version.
func (v Version) ContentType() string {
	return fmt.Sprintf("%s%d", contentTypePrefix, uint16(v))
}

func (v Version) String() string {
	return v.ContentType()
}

// Supported reports whether this version falls inside the supported window.
func (v Version) Supported() bool {
	return v >= MinimumSupportedVersion && v <= MaximumSupportedVersion
}

// ParseVersion parses a request content type into a Version.
//
// A content type that is not an invocation-protocol content type at all
// yields ErrNotInvocationContentType, so callers can distinguish "wrong
// endpoint" from "protocol version out of range".
func ParseVersion(contentType string) (Version, error) {
	s := strings.TrimSpace(contentType)
	rest, ok := strings.CutPrefix(s, contentTypePrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotInvocationContentType, contentType)
	}
	var n uint16
	if _, err := fmt.Sscanf(rest, "%d", &n); err != nil || fmt.Sprintf("%d", n) != rest {
		return 0, fmt.Errorf("%w: %q", ErrNotInvocationContentType, contentType)
	}
	v := Version(n)
	if v < V1 || v > MaximumSupportedVersion {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, contentType)
	}
	return v, nil
}
