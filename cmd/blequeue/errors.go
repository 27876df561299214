package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/dispatch"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/transport"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectFailed indicates the peer could not be reached.
	ErrConnectFailed = errors.New("connect failed")

	// ErrTraceMismatch indicates a scenario produced a trace other than the expected one.
	ErrTraceMismatch = errors.New("trace does not match expectation")
)

// FormatUserError turns internal errors into short messages for the terminal.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	var ne *native.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTraceMismatch):
		return "scenario trace differs from its expectation (see diff above)"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return "operation timed out"
	case errors.Is(err, device.ErrAborted):
		return "operation was cancelled before it completed"
	case device.IsConnectionState(err, device.NotConnected):
		return "device is not connected"
	case device.IsConnectionState(err, device.NotInitialized):
		return "BLE stack is not available (is Bluetooth turned on?)"
	case errors.As(err, &nf):
		return nf.Error()
	case errors.Is(err, transport.ErrUnsupported):
		return "operation is not supported by this transport"
	case errors.Is(err, dispatch.ErrLoopStopped):
		return "engine stopped before the operation completed"
	case errors.As(err, &ne):
		return fmt.Sprintf("transport rejected the request: %s", ne.Status)
	default:
		return err.Error()
	}
}
