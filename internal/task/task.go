// Package task implements the unit of transport work and the single-in-flight
// priority queue that executes it.
//
// Nothing in this package takes locks: every method must be called from the
// dispatch loop goroutine that owns the queue.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blequeue/internal/native"
)

// Result is what an Executor reports back to the queue.
type Result struct {
	state  State
	status native.Status
}

// Wait keeps the task executing until a native callback or its deadline resolves it.
func Wait() Result {
	return Result{state: Executing, status: native.StatusNone}
}

// Settle resolves the task synchronously with a terminal state.
func Settle(state State, status native.Status) Result {
	if !state.IsTerminal() || state == Cancelled {
		panic(fmt.Sprintf("task: cannot settle an executing task as %s", state))
	}
	return Result{state: state, status: status}
}

func (r Result) settled() bool {
	return r.state.IsTerminal()
}

// Executor issues the native request of a task. It is called exactly once,
// when the task becomes EXECUTING.
type Executor func(t *Task) Result

// Option configures a task at construction.
type Option func(*Task)

// WithPriority sets the priority class.
func WithPriority(p Priority) Option {
	return func(t *Task) { t.priority = p }
}

// Implicit marks a task synthesized from a native event rather than requested
// by the application.
func Implicit() Option {
	return func(t *Task) { t.explicit = false }
}

// Immediate disables coalescing with an equivalent queued or executing task.
func Immediate() Option {
	return func(t *Task) { t.immediate = true }
}

// WithTimeout overrides the queue default timeout. A negative value disables it.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.timeout = d }
}

// WithListener attaches a listener notified before the queue listeners.
func WithListener(l Listener) Option {
	return func(t *Task) { t.listener = l }
}

// WithPayload attaches kind-specific data.
func WithPayload(p any) Option {
	return func(t *Task) { t.payload = p }
}

// Task is a unit of asynchronous transport work. It is owned by the queue
// from Add until it reaches a terminal state.
type Task struct {
	id        string
	kind      Kind
	target    Target
	priority  Priority
	explicit  bool
	immediate bool
	timeout   time.Duration
	payload   any
	listener  Listener
	exec      Executor

	state    State
	status   native.Status
	created  time.Time
	started  time.Time
	deadline time.Time
	queue    *Queue
}

// New creates a task. A nil executor waits for a native callback without
// issuing any request, which is what synthesized implicit tasks do.
func New(kind Kind, target Target, exec Executor, opts ...Option) *Task {
	t := &Task{
		id:       uuid.NewString(),
		kind:     kind,
		target:   target,
		priority: PriorityMedium,
		explicit: true,
		exec:     exec,
		state:    Queued,
		status:   native.StatusNone,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) ID() string                   { return t.id }
func (t *Task) Kind() Kind                   { return t.kind }
func (t *Task) Target() Target               { return t.target }
func (t *Task) Owner() Owner                 { return t.target.Owner }
func (t *Task) Address() string              { return t.target.Address }
func (t *Task) Priority() Priority           { return t.priority }
func (t *Task) IsExplicit() bool             { return t.explicit }
func (t *Task) IsImmediate() bool            { return t.immediate }
func (t *Task) State() State                 { return t.state }
func (t *Task) Status() native.Status        { return t.status }
func (t *Task) Created() time.Time           { return t.created }
func (t *Task) Started() time.Time           { return t.started }
func (t *Task) Deadline() time.Time          { return t.deadline }
func (t *Task) Payload() any                 { return t.payload }
func (t *Task) SetPayload(p any)             { t.payload = p }
func (t *Task) IsFor(o Owner, a string) bool { return t.target.IsFor(o, a) }

// OnNativeSuccess resolves the executing task as SUCCEEDED. It returns false
// and does nothing if the task is not executing, so duplicate callbacks are harmless.
func (t *Task) OnNativeSuccess(status native.Status) bool {
	return t.resolve(Succeeded, status)
}

// OnNativeFail resolves the executing task as FAILED with the native status attached.
func (t *Task) OnNativeFail(status native.Status) bool {
	return t.resolve(Failed, status)
}

// SoftlyCancel resolves the executing task as moot because a more
// authoritative native event superseded it.
func (t *Task) SoftlyCancel(status native.Status) bool {
	return t.resolve(SoftlyCancelled, status)
}

// Interrupt resolves the executing task as INTERRUPTED.
func (t *Task) Interrupt() bool {
	return t.resolve(Interrupted, native.StatusNone)
}

func (t *Task) resolve(state State, status native.Status) bool {
	if t.queue == nil || t.state != Executing {
		return false
	}
	return t.queue.finish(t, state, status)
}

func (t *Task) execute() Result {
	if t.exec == nil {
		return Wait()
	}
	return t.exec(t)
}

func (t *Task) String() string {
	mode := "explicit"
	if !t.explicit {
		mode = "implicit"
	}
	return fmt.Sprintf("%s(%s, %s, %s)", t.kind, t.target, mode, t.priority)
}
