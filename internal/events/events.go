// Package events defines what the core reports outward: every task lifecycle
// transition, every connection state transition, and the owner-level outcomes
// derived from them. The core hands events to a Sink and keeps nothing.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
)

// Type names an event family.
type Type string

const (
	TypeTask       Type = "task"
	TypeConnection Type = "connection"
	TypePeer       Type = "peer"
	TypeBond       Type = "bond"
	TypeGatt       Type = "gatt"
	TypeResponse   Type = "response"
)

// Event is one outward notification. String renders a stable, timestamp-free
// line used by traces.
type Event interface {
	Type() Type
	At() time.Time
	String() string
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Publish(e)
		}
	})
}

func mode(explicit bool) string {
	if explicit {
		return "explicit"
	}
	return "implicit"
}

// TaskEvent reports one task lifecycle transition.
type TaskEvent struct {
	Time     time.Time
	TaskID   string
	Kind     task.Kind
	Target   task.Target
	State    task.State
	Status   native.Status
	Explicit bool
	Priority task.Priority
}

// NewTaskEvent snapshots t in the given state.
func NewTaskEvent(now time.Time, t *task.Task, state task.State) TaskEvent {
	return TaskEvent{
		Time:     now,
		TaskID:   t.ID(),
		Kind:     t.Kind(),
		Target:   t.Target(),
		State:    state,
		Status:   t.Status(),
		Explicit: t.IsExplicit(),
		Priority: t.Priority(),
	}
}

func (e TaskEvent) Type() Type    { return TypeTask }
func (e TaskEvent) At() time.Time { return e.Time }
func (e TaskEvent) String() string {
	s := fmt.Sprintf("task %s %s %s %s", e.Kind, e.Target, mode(e.Explicit), e.State)
	if e.State.IsTerminal() && e.Status != native.StatusNone {
		s += " " + e.Status.String()
	}
	return s
}

// ConnectionEvent reports a transition of the visible connection state of a target.
type ConnectionEvent struct {
	Time     time.Time
	Target   task.Target
	From     native.ConnState
	To       native.ConnState
	Explicit bool
	Status   native.Status
}

func (e ConnectionEvent) Type() Type    { return TypeConnection }
func (e ConnectionEvent) At() time.Time { return e.Time }
func (e ConnectionEvent) String() string {
	return fmt.Sprintf("connection %s %s -> %s %s %s", e.Target, e.From, e.To, mode(e.Explicit), e.Status)
}

// PeerOutcome is what happened to a peer from the owner's point of view.
type PeerOutcome string

const (
	PeerConnected    PeerOutcome = "connected"
	PeerDisconnected PeerOutcome = "disconnected"
	PeerConnectFail  PeerOutcome = "connect_failed"
)

// PeerEvent is an owner-level connect, disconnect or connect failure.
type PeerEvent struct {
	Time     time.Time
	Target   task.Target
	Outcome  PeerOutcome
	Explicit bool
	Status   native.Status
}

func (e PeerEvent) Type() Type    { return TypePeer }
func (e PeerEvent) At() time.Time { return e.Time }
func (e PeerEvent) String() string {
	return fmt.Sprintf("peer %s %s %s %s", e.Target, e.Outcome, mode(e.Explicit), e.Status)
}

// BondEvent reports a bond state transition.
type BondEvent struct {
	Time     time.Time
	Target   task.Target
	From     native.BondState
	To       native.BondState
	Explicit bool
	Status   native.Status
}

func (e BondEvent) Type() Type    { return TypeBond }
func (e BondEvent) At() time.Time { return e.Time }
func (e BondEvent) String() string {
	return fmt.Sprintf("bond %s %s -> %s %s %s", e.Target, e.From, e.To, mode(e.Explicit), e.Status)
}

// GattEvent reports the outcome of a read or write we issued.
type GattEvent struct {
	Time           time.Time
	Target         task.Target
	Kind           task.Kind
	Service        string
	Characteristic string
	State          task.State
	Status         native.Status
	Value          []byte
}

func (e GattEvent) Type() Type    { return TypeGatt }
func (e GattEvent) At() time.Time { return e.Time }
func (e GattEvent) String() string {
	s := fmt.Sprintf("gatt %s %s %s/%s %s %s", e.Target, e.Kind, e.Service, e.Characteristic, e.State, e.Status)
	if len(e.Value) > 0 {
		s += fmt.Sprintf(" %x", e.Value)
	}
	return s
}

// Lines renders events one per line.
func Lines(evs []Event) string {
	var b strings.Builder
	for _, e := range evs {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
