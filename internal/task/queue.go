package task

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/native"
)

var (
	// ErrQueueClosed is returned by Add after Close.
	ErrQueueClosed = errors.New("task queue closed")
	// ErrNotQueued is returned by Add for a task that was already added or resolved.
	ErrNotQueued = errors.New("task is not in QUEUED state")
)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithDefaultTimeout sets the deadline applied to tasks that don't set one.
func WithDefaultTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.defaultTimeout = d }
}

// Queue holds pending tasks and at most one executing task for the whole
// transport. Pending tasks run by priority, then in insertion order.
type Queue struct {
	logger         *logrus.Logger
	now            func() time.Time
	defaultTimeout time.Duration

	current   *Task
	pending   []*Task
	listeners []Listener

	// holding defers promotion while a transition is being delivered or a
	// promotion pass is already running further up the stack.
	holding bool
	closed  bool
}

// NewQueue creates an empty queue.
func NewQueue(logger *logrus.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddListener registers a listener for every transition of every task.
func (q *Queue) AddListener(l Listener) {
	q.listeners = append(q.listeners, l)
}

// Add enqueues t and starts it right away if the transport is idle.
//
// Unless t is immediate, an equivalent task (same kind and target) that is
// already executing or pending absorbs the request: that task is returned and
// t is never accepted.
func (q *Queue) Add(t *Task) (*Task, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}
	if t.state != Queued || t.queue != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotQueued, t, t.state)
	}

	if !t.immediate {
		if existing := q.find(t.kind, t.target); existing != nil {
			q.logger.WithFields(logrus.Fields{
				"task":     t.String(),
				"existing": existing.id,
				"state":    existing.state,
			}).Debug("Coalescing task with an equivalent one")
			return existing, nil
		}
	}

	t.queue = q
	t.created = q.now()
	q.insert(t)

	q.hold(func() { q.transition(t, Queued, native.StatusNone) })
	q.promote()
	return t, nil
}

// insert places t after every pending task of equal or higher priority.
func (q *Queue) insert(t *Task) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].priority < t.priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = t
}

// Current returns the executing task, or nil when the transport is idle.
func (q *Queue) Current() *Task {
	return q.current
}

// Len returns the number of pending tasks, excluding the executing one.
func (q *Queue) Len() int {
	return len(q.pending)
}

// GetCurrent returns the executing task if it has the given kind and belongs to owner.
func (q *Queue) GetCurrent(kind Kind, owner Owner) *Task {
	if q.current != nil && q.current.kind == kind && q.current.target.Owner == owner {
		return q.current
	}
	return nil
}

// GetCurrentFor is GetCurrent narrowed to one peer address.
func (q *Queue) GetCurrentFor(kind Kind, owner Owner, address string) *Task {
	if t := q.GetCurrent(kind, owner); t != nil && t.target.Address == address {
		return t
	}
	return nil
}

// Pending returns the queued tasks of the given kind for owner and address, in run order.
func (q *Queue) Pending(kind Kind, owner Owner, address string) []*Task {
	var out []*Task
	for _, t := range q.pending {
		if t.kind == kind && t.IsFor(owner, address) {
			out = append(out, t)
		}
	}
	return out
}

// IsCurrentOrPending reports whether a task of the given kind exists for owner and address.
func (q *Queue) IsCurrentOrPending(kind Kind, owner Owner, address string) bool {
	return q.find(kind, Target{Owner: owner, Address: address}) != nil
}

func (q *Queue) find(kind Kind, target Target) *Task {
	if q.current != nil && q.current.kind == kind && q.current.target == target {
		return q.current
	}
	for _, t := range q.pending {
		if t.kind == kind && t.target == target {
			return t
		}
	}
	return nil
}

// Succeed resolves the matching executing task as SUCCEEDED.
func (q *Queue) Succeed(kind Kind, owner Owner) bool {
	if t := q.GetCurrent(kind, owner); t != nil {
		return t.OnNativeSuccess(native.StatusSuccess)
	}
	return false
}

// Fail resolves the matching executing task as FAILED with status attached.
func (q *Queue) Fail(kind Kind, owner Owner, status native.Status) bool {
	if t := q.GetCurrent(kind, owner); t != nil {
		return t.OnNativeFail(status)
	}
	return false
}

// SoftlyCancel resolves the matching executing task as SOFTLY_CANCELLED.
func (q *Queue) SoftlyCancel(kind Kind, owner Owner, status native.Status) bool {
	if t := q.GetCurrent(kind, owner); t != nil {
		return t.SoftlyCancel(status)
	}
	return false
}

// Interrupt resolves the matching executing task as INTERRUPTED.
func (q *Queue) Interrupt(kind Kind, owner Owner) bool {
	if t := q.GetCurrent(kind, owner); t != nil {
		return t.Interrupt()
	}
	return false
}

// Cancel removes pending tasks of the given kind for owner and address.
// When match is non-nil only tasks it accepts are removed. Returns the number removed.
func (q *Queue) Cancel(kind Kind, owner Owner, address string, match func(*Task) bool) int {
	var removed []*Task
	kept := q.pending[:0]
	for _, t := range q.pending {
		if t.kind == kind && t.IsFor(owner, address) && (match == nil || match(t)) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept

	q.hold(func() {
		for _, t := range removed {
			q.transition(t, Cancelled, native.StatusNone)
		}
	})
	return len(removed)
}

// Tick checks the executing task deadline against now. An expired task is
// resolved TIMED_OUT and the next pending task is promoted.
func (q *Queue) Tick(now time.Time) {
	t := q.current
	if t == nil || t.deadline.IsZero() || now.Before(t.deadline) {
		return
	}
	q.logger.WithFields(logrus.Fields{
		"task_id":  t.id,
		"task":     t.String(),
		"deadline": t.deadline,
	}).Warn("Task timed out")
	q.finish(t, TimedOut, native.StatusNone)
}

// Close interrupts the executing task and cancels every pending one.
// Subsequent Add calls fail with ErrQueueClosed.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	if q.current != nil {
		q.finish(q.current, Interrupted, native.StatusNone)
	}
	pending := q.pending
	q.pending = nil
	q.hold(func() {
		for _, t := range pending {
			q.transition(t, Cancelled, native.StatusNone)
		}
	})
}

// promote starts pending tasks while the transport is idle. Executors that
// settle synchronously are resolved within the same pass.
func (q *Queue) promote() {
	if q.holding {
		return
	}
	q.holding = true
	defer func() { q.holding = false }()

	for q.current == nil && len(q.pending) > 0 && !q.closed {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.start(next)
	}
}

func (q *Queue) start(t *Task) {
	if q.current != nil {
		panic(fmt.Sprintf("task: invariant violated: starting %s while %s is executing", t, q.current))
	}
	q.current = t
	t.started = q.now()
	if timeout := q.timeoutFor(t); timeout > 0 {
		t.deadline = t.started.Add(timeout)
	}
	q.transition(t, Executing, native.StatusNone)

	// A listener may already have resolved it.
	if t.state != Executing {
		return
	}
	if res := t.execute(); res.settled() && t.state == Executing {
		q.finish(t, res.state, res.status)
	}
}

func (q *Queue) timeoutFor(t *Task) time.Duration {
	if t.timeout != 0 {
		return t.timeout
	}
	return q.defaultTimeout
}

// finish resolves the executing task and promotes the next one.
func (q *Queue) finish(t *Task, state State, status native.Status) bool {
	if q.current != t || t.state != Executing {
		return false
	}
	q.current = nil
	t.status = status
	q.hold(func() { q.transition(t, state, status) })
	q.promote()
	return true
}

// hold runs fn with promotion deferred, restoring the previous hold state.
func (q *Queue) hold(fn func()) {
	was := q.holding
	q.holding = true
	defer func() { q.holding = was }()
	fn()
}

func (q *Queue) transition(t *Task, state State, status native.Status) {
	if t.state != state && !ValidTransition(t.state, state) {
		panic(fmt.Sprintf("task: invalid transition %s -> %s for %s", t.state, state, t))
	}
	t.state = state

	entry := q.logger.WithFields(logrus.Fields{
		"task_id": t.id,
		"kind":    t.kind,
		"owner":   t.target.Owner.String(),
		"address": t.target.Address,
		"state":   state,
	})
	if status != native.StatusNone {
		entry = entry.WithField("status", status)
	}
	if state == Failed {
		entry.Info("Task failed")
	} else {
		entry.Debug("Task state changed")
	}

	if t.listener != nil {
		t.listener.OnStateChange(t, state)
	}
	for _, l := range q.listeners {
		l.OnStateChange(t, state)
	}
}
