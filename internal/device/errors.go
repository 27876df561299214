package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// NotFoundError reports an attribute missing from the discovered profile.
// Characteristic is empty when the service itself is missing.
type NotFoundError struct {
	Service        string
	Characteristic string
}

func (e *NotFoundError) Error() string {
	if e.Characteristic == "" {
		return fmt.Sprintf("service %s not found", e.Service)
	}
	return fmt.Sprintf("characteristic %s/%s not found", e.Service, e.Characteristic)
}

// ConnectionState names why a request could not use the link.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError is returned when the link is in the wrong state for a request.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is matches any ConnectionError with the same State.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}

	// ErrTimeout means the task deadline passed before the transport answered.
	ErrTimeout = errors.New("operation timed out")
	// ErrAborted means the task was cancelled while queued or interrupted by shutdown.
	ErrAborted = errors.New("operation aborted")
)

// linkStatuses end the link, so a task failing with one of them is reported
// as not connected.
var linkStatuses = map[native.Status]bool{
	native.StatusLinkLoss:          true,
	native.StatusTerminatedByPeer:  true,
	native.StatusTerminatedLocally: true,
	native.StatusConnectionTimeout: true,
}

// ResultError converts a task resolution into the error its caller should see.
// Succeeded and SoftlyCancelled are not errors, and neither is a task that has
// not resolved yet.
func ResultError(kind task.Kind, state task.State, status native.Status) error {
	switch state {
	case task.TimedOut:
		return fmt.Errorf("%s: %w", strings.ToLower(kind.String()), ErrTimeout)
	case task.Cancelled, task.Interrupted:
		return fmt.Errorf("%s %s: %w", strings.ToLower(kind.String()), strings.ToLower(state.String()), ErrAborted)
	case task.Failed:
		nerr := &native.Error{Status: status, Op: strings.ToLower(kind.String())}
		if linkStatuses[status] {
			return fmt.Errorf("%w: %w", &ConnectionError{State: NotConnected, Msg: "link lost"}, nerr)
		}
		return nerr
	default:
		return nil
	}
}

// TaskError is ResultError for a task's current state.
func TaskError(t *task.Task) error {
	return ResultError(t.Kind(), t.State(), t.Status())
}

// driverPhrases maps lower-cased fragments of driver error text to link states.
var driverPhrases = []struct {
	fragment string
	state    ConnectionState
}{
	{"device not connected", NotConnected},
	{"disconnected", NotConnected},
	{"device already connected", AlreadyConnected},
	{"connection is not initialized", NotInitialized},
}

// NormalizeError classifies a driver error by its text. The original error
// stays in the chain; unrecognized errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range driverPhrases {
		if strings.Contains(msg, p.fragment) {
			return fmt.Errorf("%w: %w", &ConnectionError{State: p.state}, err)
		}
	}
	return err
}

// IsConnectionState reports whether err carries a ConnectionError in state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr) && cerr.State == state
}
