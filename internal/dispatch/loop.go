// Package dispatch provides the single logical goroutine that owns every task,
// queue and state machine mutation. Driver callbacks arrive on arbitrary
// goroutines as immutable records and are processed here in arrival order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/groutine"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
)

var (
	// ErrLoopStopped is returned once the loop has exited.
	ErrLoopStopped = errors.New("dispatch loop stopped")
	// ErrAlreadyRunning is returned by a second Run call.
	ErrAlreadyRunning = errors.New("dispatch loop already running")
	// ErrPanicked is returned by Do when fn panicked. The loop keeps running.
	ErrPanicked = errors.New("dispatch closure panicked")
)

const (
	DefaultInboxSize    = 256
	DefaultTickInterval = 20 * time.Millisecond
)

// Handler consumes native events routed to one owner. It runs on the loop
// goroutine and must not block.
type Handler interface {
	HandleNative(ev native.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev native.Event)

func (f HandlerFunc) HandleNative(ev native.Event) { f(ev) }

// Options configures a Loop.
type Options struct {
	InboxSize    int
	TickInterval time.Duration
	// Now replaces time.Now for queue ticks.
	Now func() time.Time
}

type record struct {
	owner task.Owner
	event native.Event
	fn    func()
	done  chan struct{}
	// panicked is set before done is closed.
	panicked *any
}

// Loop drains a single-consumer inbox and periodically checks task deadlines.
type Loop struct {
	logger   *logrus.Logger
	queue    *task.Queue
	inbox    chan record
	tick     time.Duration
	now      func() time.Time
	handlers map[task.Owner]Handler

	// backlog holds records posted from the loop goroutine itself; they run
	// right after the record being processed.
	backlog []record
	gid     atomic.Uint64
	running atomic.Bool
	stopped chan struct{}
}

// New creates a loop driving q.
func New(q *task.Queue, logger *logrus.Logger, opts Options) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		logger:   logger,
		queue:    q,
		inbox:    make(chan record, opts.InboxSize),
		tick:     opts.TickInterval,
		now:      opts.Now,
		handlers: make(map[task.Owner]Handler),
		stopped:  make(chan struct{}),
	}
}

// Queue returns the queue owned by the loop.
func (l *Loop) Queue() *task.Queue {
	return l.queue
}

// Register routes native events stamped with owner to h. Before Run it
// installs directly; afterwards it is marshalled onto the loop.
func (l *Loop) Register(ctx context.Context, owner task.Owner, h Handler) error {
	if !l.running.Load() {
		l.handlers[owner] = h
		return nil
	}
	return l.Do(ctx, func() { l.handlers[owner] = h })
}

// Post hands a native event for owner to the loop. It blocks while the inbox
// is full and fails with ErrLoopStopped once the loop has exited. Posting from
// the loop goroutine never blocks.
func (l *Loop) Post(owner task.Owner, ev native.Event) error {
	r := record{owner: owner, event: ev}
	if l.onLoop() {
		l.backlog = append(l.backlog, r)
		return nil
	}
	if l.isStopped() {
		return ErrLoopStopped
	}
	select {
	case l.inbox <- r:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Do runs fn on the loop goroutine and waits for it. Called from the loop
// itself, fn runs inline. If ctx ends after fn was handed over, fn still runs.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.onLoop() {
		fn()
		return nil
	}
	if l.isStopped() {
		return ErrLoopStopped
	}
	r := record{fn: fn, done: make(chan struct{}), panicked: new(any)}
	select {
	case l.inbox <- r:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return r.result()
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case <-r.done:
			return r.result()
		default:
			return ErrLoopStopped
		}
	}
}

func (r record) result() error {
	if p := *r.panicked; p != nil {
		return fmt.Errorf("%w: %v", ErrPanicked, p)
	}
	return nil
}

// Callbacks returns driver callbacks whose events are routed to owner.
func (l *Loop) Callbacks(owner task.Owner) transport.Callbacks {
	return transport.NewRecorder(&ownerPoster{loop: l, owner: func(native.Event) task.Owner { return owner }})
}

// DeviceCallbacks returns driver callbacks that route each event to the
// device owner of the peer address it carries.
func (l *Loop) DeviceCallbacks() transport.Callbacks {
	return transport.NewRecorder(&ownerPoster{loop: l, owner: func(ev native.Event) task.Owner {
		return task.DeviceOwner(ev.PeerAddress())
	}})
}

// Start runs the loop on a named goroutine. The loop counts as running once
// Start returns, so later Register calls go through the inbox.
func (l *Loop) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	groutine.Go(ctx, "dispatch-loop", func(ctx context.Context) {
		if err := l.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.WithError(err).Error("Dispatch loop exited")
		}
	}, groutine.OnPanic(l.logPanic))
	return nil
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Run processes records until ctx ends. On exit the queue is closed, which
// interrupts the executing task and cancels the pending ones.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	l.gid.Store(groutine.ID())
	defer func() {
		l.queue.Close()
		l.gid.Store(0)
		close(l.stopped)
	}()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	l.logger.WithField("tick", l.tick).Debug("Dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Dispatch loop stopping")
			return ctx.Err()
		case r := <-l.inbox:
			l.process(r)
		case <-ticker.C:
			l.queue.Tick(l.now())
		}
		l.drainBacklog()
	}
}

func (l *Loop) drainBacklog() {
	for len(l.backlog) > 0 {
		r := l.backlog[0]
		l.backlog[0] = record{}
		l.backlog = l.backlog[1:]
		l.process(r)
	}
}

// process runs one record. A panicking handler or closure is logged and the
// loop goes on with the next record.
func (l *Loop) process(r record) {
	defer func() {
		if p := recover(); p != nil {
			fields := logrus.Fields{"panic": p, "stack": string(debug.Stack())}
			if r.fn == nil {
				fields["owner"] = r.owner.String()
				fields["address"] = r.event.PeerAddress()
			}
			l.logger.WithFields(fields).Error("Dispatch record panicked")
			if r.panicked != nil {
				*r.panicked = p
			}
		}
		if r.done != nil {
			close(r.done)
		}
	}()
	if r.fn != nil {
		r.fn()
		return
	}
	h, ok := l.handlers[r.owner]
	if !ok {
		l.logger.WithFields(logrus.Fields{
			"owner":   r.owner.String(),
			"address": r.event.PeerAddress(),
		}).Warn("Dropping native event for unregistered owner")
		return
	}
	h.HandleNative(r.event)
}

func (l *Loop) logPanic(name string, value any, stack []byte) {
	l.logger.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     value,
		"stack":     string(stack),
	}).Error("Goroutine panicked")
}

func (l *Loop) isStopped() bool {
	select {
	case <-l.stopped:
		return true
	default:
		return false
	}
}

func (l *Loop) onLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.ID()
}

type ownerPoster struct {
	loop  *Loop
	owner func(native.Event) task.Owner
}

func (p *ownerPoster) PostEvent(ev native.Event) {
	if err := p.loop.Post(p.owner(ev), ev); err != nil {
		p.loop.logger.WithError(err).WithField("address", ev.PeerAddress()).Debug("Native event after loop stop")
	}
}
