// Package connection reconciles native connection callbacks with the connect
// and disconnect tasks queued for each peer of one owner.
//
// The transport is authoritative: a native event always updates the recorded
// state, whether or not a task asked for it. Tasks are synthesized where the
// transport acted on its own, so every connection change is accounted for by
// exactly one task or one implicit notification.
package connection

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
)

// Delegate hears connection outcomes of one owner. Calls happen on the loop goroutine.
type Delegate interface {
	OnConnect(address string, explicit bool)
	OnDisconnect(address string, explicit bool, status native.Status)
	OnConnectFail(address string, status native.Status)
}

// Record is the last native state observed for a peer.
type Record struct {
	State  native.ConnState
	Raw    int
	Status native.Status
	At     time.Time
}

// MachineOptions configures a Machine.
type MachineOptions struct {
	Owner             task.Owner          // Queue owner stamped on every task
	Queue             *task.Queue         // Shared transport queue
	Connector         transport.Connector // Driver used by explicit tasks
	Delegate          Delegate            // Optional outcome listener
	Sink              events.Sink         // Optional event sink (nil = discard)
	Logger            *logrus.Logger      // Optional logger (nil = logrus.New())
	ConnectTimeout    time.Duration       // Explicit connect deadline (0 = queue default)
	DisconnectTimeout time.Duration       // Explicit disconnect deadline (0 = queue default)
	Now               func() time.Time    // Clock for published events (nil = time.Now)
}

// Machine is the connection state machine for every peer of one owner.
// Apart from State and Snapshot, methods must be called on the loop goroutine.
type Machine struct {
	owner     task.Owner
	queue     *task.Queue
	connector transport.Connector
	delegate  Delegate
	sink      events.Sink
	logger    *logrus.Logger
	now       func() time.Time

	connectTimeout    time.Duration
	disconnectTimeout time.Duration

	natives *hashmap.Map[string, Record]
	// published holds the last visible state reported per address.
	published map[string]native.ConnState

	// applying is the address of the native connected event being handled.
	// connectAccounted records that a connect task for it succeeded meanwhile.
	applying         string
	connectAccounted bool
}

// NewMachine creates a machine for opts.Owner.
func NewMachine(opts MachineOptions) *Machine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		owner:             opts.Owner,
		queue:             opts.Queue,
		connector:         opts.Connector,
		delegate:          opts.Delegate,
		sink:              opts.Sink,
		logger:            opts.Logger,
		now:               opts.Now,
		connectTimeout:    opts.ConnectTimeout,
		disconnectTimeout: opts.DisconnectTimeout,
		natives:           hashmap.New[string, Record](),
		published:         make(map[string]native.ConnState),
	}
}

// Owner returns the owner the machine schedules tasks for.
func (m *Machine) Owner() task.Owner {
	return m.owner
}

// Native returns the last native record for address.
func (m *Machine) Native(address string) (Record, bool) {
	return m.natives.Get(address)
}

// State returns the last state published for address. Safe from any goroutine.
func (m *Machine) State(address string) native.ConnState {
	if rec, ok := m.natives.Get(address); ok {
		return rec.State
	}
	return native.Disconnected
}

// Snapshot copies the native state table. Safe from any goroutine.
func (m *Machine) Snapshot() map[string]Record {
	out := make(map[string]Record, m.natives.Len())
	m.natives.Range(func(address string, rec Record) bool {
		out[address] = rec
		return true
	})
	return out
}

// Visible derives the externally visible state of address: the native state,
// overridden by the connect or disconnect task currently bound to it.
func (m *Machine) Visible(address string) native.ConnState {
	state := m.State(address)
	if m.currentConnect(address) != nil && state != native.Connected {
		return native.Connecting
	}
	if m.currentDisconnect(address) != nil && state != native.Disconnected {
		return native.Disconnecting
	}
	return state
}

// Connect attaches to a connect task already current or pending for address,
// or enqueues an explicit one.
func (m *Machine) Connect(address string) (*task.Task, error) {
	if t := m.queue.GetCurrentFor(task.KindConnect, m.owner, address); t != nil {
		return t, nil
	}
	if pending := m.queue.Pending(task.KindConnect, m.owner, address); len(pending) > 0 {
		return pending[0], nil
	}

	t := task.New(task.KindConnect, m.target(address), m.executeConnect,
		task.WithPriority(task.PriorityForExplicitBondingAndConnecting),
		task.WithTimeout(m.connectTimeout),
		task.WithListener(task.ListenerFunc(m.onTaskState)),
	)
	return m.queue.Add(t)
}

// Disconnect drops pending connect tasks for address and enqueues an explicit
// disconnect task.
func (m *Machine) Disconnect(address string) (*task.Task, error) {
	if n := m.queue.Cancel(task.KindConnect, m.owner, address, nil); n > 0 {
		m.logger.WithFields(logrus.Fields{
			"owner":   m.owner.String(),
			"address": address,
			"count":   n,
		}).Debug("Cancelled pending connect tasks")
	}

	t := task.New(task.KindDisconnect, m.target(address), m.executeDisconnect,
		task.WithPriority(task.PriorityForExplicitBondingAndConnecting),
		task.WithTimeout(m.disconnectTimeout),
		task.WithListener(task.ListenerFunc(m.onTaskState)),
	)
	return m.queue.Add(t)
}

// HandleStateChange applies a native connection state callback.
func (m *Machine) HandleStateChange(ev native.ConnectionStateChanged) {
	address := ev.Address
	entry := m.logger.WithFields(logrus.Fields{
		"owner":   m.owner.String(),
		"address": address,
		"state":   ev.NewState,
		"status":  ev.Status,
	})
	entry.Debug("Native connection state change")

	switch ev.NewState {
	case native.Disconnected:
		m.record(address, native.Disconnected, ev.Raw, ev.Status)
		m.dropImplicit(address)
		if ct := m.currentConnect(address); ct != nil {
			ct.OnNativeFail(ev.Status)
		} else if dt := m.currentDisconnect(address); dt != nil {
			dt.OnNativeSuccess(ev.Status)
		} else {
			m.notifyDisconnect(address, false, ev.Status)
		}

	case native.Connecting:
		if !ev.Status.IsSuccess() {
			m.connectFailed(address, ev.Status)
			break
		}
		m.record(address, native.Connecting, ev.Raw, ev.Status)
		m.supersedeDisconnect(address, ev.Status)
		if m.currentConnect(address) == nil {
			m.synthesize(task.KindConnect, address)
		}

	case native.Connected:
		if !ev.Status.IsSuccess() {
			m.connectFailed(address, ev.Status)
			break
		}
		m.record(address, native.Connected, ev.Raw, ev.Status)
		// Superseding a disconnect may promote a queued connect that settles
		// at once on the recorded state.
		m.applying, m.connectAccounted = address, false
		m.supersedeDisconnect(address, ev.Status)
		m.dropImplicit(address)
		accounted := m.connectAccounted
		m.applying = ""
		if ct := m.currentConnect(address); ct != nil {
			ct.OnNativeSuccess(ev.Status)
		} else if !accounted {
			m.notifyConnect(address, false)
		}

	case native.Disconnecting:
		m.record(address, native.Disconnecting, ev.Raw, ev.Status)
		entry.Error("Peer is natively disconnecting")
		if m.currentDisconnect(address) == nil {
			m.synthesize(task.KindDisconnect, address)
		}
		if ct := m.currentConnect(address); ct != nil {
			ct.OnNativeFail(ev.Status)
		}

	default:
		// Recorded for observability only; an ambiguous signal never resolves a task.
		m.record(address, native.Unknown, ev.Raw, ev.Status)
		entry.WithField("raw", ev.Raw).Warn("Unrecognized native connection state")
	}

	m.sync(address, m.boundExplicit(address), ev.Status)
}

func (m *Machine) connectFailed(address string, status native.Status) {
	// The transport is assumed to settle on disconnected after a failed attempt.
	m.record(address, native.Disconnected, int(native.Disconnected), status)
	m.dropImplicit(address)
	if ct := m.currentConnect(address); ct != nil {
		ct.OnNativeFail(status)
		return
	}
	m.notifyConnectFail(address, status)
}

// supersedeDisconnect resolves a stale disconnect task once the peer is
// connecting or connected again.
func (m *Machine) supersedeDisconnect(address string, status native.Status) {
	if dt := m.currentDisconnect(address); dt != nil {
		m.logger.WithFields(logrus.Fields{
			"task_id": dt.ID(),
			"address": address,
		}).Debug("Disconnect superseded by native connection")
		dt.SoftlyCancel(status)
	}
}

// dropImplicit cancels pending synthesized tasks for address. They only wait
// for a native event, and any terminal native state makes them stale.
func (m *Machine) dropImplicit(address string) {
	implicit := func(t *task.Task) bool { return !t.IsExplicit() }
	m.queue.Cancel(task.KindConnect, m.owner, address, implicit)
	m.queue.Cancel(task.KindDisconnect, m.owner, address, implicit)
}

func (m *Machine) synthesize(kind task.Kind, address string) {
	t := task.New(kind, m.target(address), nil,
		task.Implicit(),
		task.WithPriority(task.PriorityForImplicitBondingAndConnecting),
		task.WithListener(task.ListenerFunc(m.onTaskState)),
	)
	if _, err := m.queue.Add(t); err != nil {
		m.logger.WithError(err).WithField("address", address).Warn("Failed to synthesize implicit task")
	}
}

func (m *Machine) executeConnect(t *task.Task) task.Result {
	if m.State(t.Address()) == native.Connected {
		return task.Settle(task.Succeeded, native.StatusSuccess)
	}
	if err := m.connector.RequestConnect(t.Address()); err != nil {
		m.logger.WithError(err).WithField("address", t.Address()).Warn("Connect request rejected")
		return task.Settle(task.Failed, native.StatusOf(err))
	}
	return task.Wait()
}

func (m *Machine) executeDisconnect(t *task.Task) task.Result {
	if m.State(t.Address()) == native.Disconnected {
		return task.Settle(task.SoftlyCancelled, native.StatusSuccess)
	}
	if err := m.connector.RequestDisconnect(t.Address()); err != nil {
		m.logger.WithError(err).WithField("address", t.Address()).Warn("Disconnect request rejected")
		return task.Settle(task.Failed, native.StatusOf(err))
	}
	return task.Wait()
}

func (m *Machine) onTaskState(t *task.Task, state task.State) {
	switch t.Kind() {
	case task.KindConnect:
		switch state {
		case task.Succeeded:
			if t.Address() == m.applying {
				m.connectAccounted = true
			}
			m.notifyConnect(t.Address(), t.IsExplicit())
		case task.Failed, task.TimedOut:
			m.notifyConnectFail(t.Address(), t.Status())
		}
	case task.KindDisconnect:
		if state == task.Succeeded {
			m.notifyDisconnect(t.Address(), t.IsExplicit(), t.Status())
		}
	}
	// Only the executing task binds the visible state. A superseded task did
	// not cause the state it leaves behind.
	if state != task.Queued && state != task.Cancelled {
		m.sync(t.Address(), t.IsExplicit() && state != task.SoftlyCancelled, t.Status())
	}
}

// sync publishes a ConnectionEvent when the visible state of address moved.
func (m *Machine) sync(address string, explicit bool, status native.Status) {
	to := m.Visible(address)
	from, seen := m.published[address]
	if !seen {
		from = native.Disconnected
	}
	if (seen && from == to) || (!seen && to == native.Disconnected) {
		return
	}
	m.published[address] = to
	m.sink.Publish(events.ConnectionEvent{
		Time:     m.now(),
		Target:   m.target(address),
		From:     from,
		To:       to,
		Explicit: explicit,
		Status:   status,
	})
}

func (m *Machine) record(address string, state native.ConnState, raw int, status native.Status) {
	m.natives.Set(address, Record{State: state, Raw: raw, Status: status, At: m.now()})
}

func (m *Machine) notifyConnect(address string, explicit bool) {
	if m.delegate != nil {
		m.delegate.OnConnect(address, explicit)
	}
}

func (m *Machine) notifyDisconnect(address string, explicit bool, status native.Status) {
	if m.delegate != nil {
		m.delegate.OnDisconnect(address, explicit, status)
	}
}

func (m *Machine) notifyConnectFail(address string, status native.Status) {
	if m.delegate != nil {
		m.delegate.OnConnectFail(address, status)
	}
}

func (m *Machine) boundExplicit(address string) bool {
	if t := m.currentConnect(address); t != nil {
		return t.IsExplicit()
	}
	if t := m.currentDisconnect(address); t != nil {
		return t.IsExplicit()
	}
	return false
}

func (m *Machine) currentConnect(address string) *task.Task {
	return m.queue.GetCurrentFor(task.KindConnect, m.owner, address)
}

func (m *Machine) currentDisconnect(address string) *task.Task {
	return m.queue.GetCurrentFor(task.KindDisconnect, m.owner, address)
}

func (m *Machine) target(address string) task.Target {
	return task.Target{Owner: m.owner, Address: address}
}
