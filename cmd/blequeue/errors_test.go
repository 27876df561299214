package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/dispatch"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "trace mismatch", err: ErrTraceMismatch, want: "scenario trace differs from its expectation (see diff above)"},
		{name: "deadline", err: fmt.Errorf("connect: %w", context.DeadlineExceeded), want: "operation timed out"},
		{name: "task timeout", err: device.ResultError(task.KindRead, task.TimedOut, native.StatusNone), want: "operation timed out"},
		{name: "aborted", err: device.ResultError(task.KindWrite, task.Cancelled, native.StatusNone), want: "operation was cancelled before it completed"},
		{name: "not connected", err: &device.ConnectionError{State: device.NotConnected}, want: "device is not connected"},
		{name: "unsupported", err: fmt.Errorf("bond: %w", transport.ErrUnsupported), want: "operation is not supported by this transport"},
		{name: "loop stopped", err: dispatch.ErrLoopStopped, want: "engine stopped before the operation completed"},
		{name: "native status", err: &native.Error{Status: native.StatusError, Op: "read"}, want: "transport rejected the request: GATT_ERROR"},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatUserError(tc.err), "user message MUST match")
		})
	}
}

func TestReadOutcome(t *testing.T) {
	target := task.Target{Owner: task.DeviceOwner("AA"), Address: "AA"}
	read := func(state task.State, status native.Status) events.GattEvent {
		return events.GattEvent{Target: target, Kind: task.KindRead, Service: "180f", Characteristic: "2a19", State: state, Status: status}
	}

	assert.NoError(t, readOutcome(read(task.Succeeded, native.StatusSuccess)), "successful read MUST not stop the command")
	assert.ErrorIs(t, readOutcome(read(task.Failed, native.StatusLinkLoss)), ErrConnectionLost, "read lost with the link MUST report connection loss")

	err := readOutcome(read(task.TimedOut, native.StatusNone))
	assert.ErrorIs(t, err, device.ErrTimeout, "timed out read MUST surface ErrTimeout")
	assert.Contains(t, err.Error(), "180f/2a19", "error MUST name the characteristic")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"), "numeric version MUST get a v prefix")
	assert.Equal(t, "dev", formatVersion("dev"), "non-numeric version MUST be kept")
	assert.Equal(t, "", formatVersion(""), "empty version MUST stay empty")
}
