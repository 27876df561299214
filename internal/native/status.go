// Package native models the boundary with the radio driver: status codes,
// connection and bond states, and the immutable event records the driver
// produces on its own goroutines.
package native

import (
	"errors"
	"fmt"
)

// Status is a transport status code as reported by the driver callbacks.
// Values follow the GATT status codes used by common BLE stacks.
type Status int

const (
	StatusSuccess             Status = 0x00
	StatusReadNotPermitted    Status = 0x02
	StatusWriteNotPermitted   Status = 0x03
	StatusInvalidOffset       Status = 0x07
	StatusConnectionTimeout   Status = 0x08
	StatusTerminatedByPeer    Status = 0x13
	StatusTerminatedLocally   Status = 0x16
	StatusLinkLoss            Status = 0x22
	StatusConnectionCongested Status = 0x8F
	StatusError               Status = 0x85
	StatusFailure             Status = 0x101

	// StatusNone marks a resolution that carries no native status (timeouts,
	// cancellations and interruptions decided locally).
	StatusNone Status = -1
)

var statusNames = map[Status]string{
	StatusSuccess:             "GATT_SUCCESS",
	StatusReadNotPermitted:    "GATT_READ_NOT_PERMITTED",
	StatusWriteNotPermitted:   "GATT_WRITE_NOT_PERMITTED",
	StatusInvalidOffset:       "GATT_INVALID_OFFSET",
	StatusConnectionTimeout:   "GATT_CONN_TIMEOUT",
	StatusTerminatedByPeer:    "GATT_CONN_TERMINATE_PEER_USER",
	StatusTerminatedLocally:   "GATT_CONN_TERMINATE_LOCAL_HOST",
	StatusLinkLoss:            "GATT_CONN_LMP_TIMEOUT",
	StatusConnectionCongested: "GATT_CONNECTION_CONGESTED",
	StatusError:               "GATT_ERROR",
	StatusFailure:             "GATT_FAILURE",
	StatusNone:                "NONE",
}

// IsSuccess reports whether the status denotes a successful native operation.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GATT_STATUS(%d)", int(s))
}

// Error wraps a non-success status so it can travel as an error.
type Error struct {
	Status Status
	Op     string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Is allows errors.Is to compare Error values by Status
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// StatusOf extracts the status carried by err. Errors without one map to
// StatusFailure, a nil error to StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Status
	}
	return StatusFailure
}
