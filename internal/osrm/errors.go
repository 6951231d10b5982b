package osrm

import (
	"errors"
	"fmt"
)

// ErrDisabled is returned by endpoints that need the routing engine when no base URL is configured.
var ErrDisabled = errors.New("osrm: routing engine not configured")

// ProtocolError means the routing engine answered with a body that is not usable JSON. Never cached.
type ProtocolError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("osrm: %s: unparseable response (status %d): %v", e.Endpoint, e.Status, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnavailableError covers timeouts, transport failures and non-2xx answers other than 400/404. Never cached.
type UnavailableError struct {
	Endpoint string
	// Reason is "timeout" or "error".
	Reason string
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("osrm: %s: upstream status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("osrm: %s: %s: %v", e.Endpoint, e.Reason, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline or was cancelled.
func (e *UnavailableError) Timeout() bool { return e.Reason == reasonTimeout }

const (
	reasonTimeout = "timeout"
	reasonError   = "error"
)
