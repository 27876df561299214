// Package simulated provides an in-memory transport driver. It records every
// request and answers through transport.Callbacks the way a radio stack would,
// with injectable faults: rejected requests, dropped, duplicated, delayed and
// failed callbacks.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/groutine"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/transport"
)

// ErrStopped is returned by Flush once the driver context is done.
var ErrStopped = errors.New("simulated driver stopped")

// Op names a driver request.
type Op string

const (
	OpConnect    Op = "connect"
	OpDisconnect Op = "disconnect"
	OpBond       Op = "bond"
	OpUnbond     Op = "unbond"
	OpRead       Op = "read"
	OpWrite      Op = "write"
	OpRespond    Op = "respond"
)

// Raw connection states as a stack reports them.
const (
	rawDisconnected = 0
	rawConnecting   = 1
	rawConnected    = 2
)

// Fault alters how the driver handles the next request of one Op.
type Fault struct {
	Reject    bool          `yaml:"reject"`    // request method returns an error
	Drop      bool          `yaml:"drop"`      // no callback at all
	Duplicate bool          `yaml:"duplicate"` // final callback delivered twice
	Delay     time.Duration `yaml:"delay"`     // wait before the first callback
	Status    native.Status `yaml:"status"`    // non-success status fails the request
}

// Request is one recorded driver call.
type Request struct {
	Op             Op
	Address        string
	Service        string
	Characteristic string
	RequestID      int
	Status         native.Status
	Offset         int
	Data           []byte
	WithResponse   bool
}

func (r Request) String() string {
	switch r.Op {
	case OpRead:
		return fmt.Sprintf("%s %s %s/%s", r.Op, r.Address, r.Service, r.Characteristic)
	case OpWrite:
		return fmt.Sprintf("%s %s %s/%s %x response=%t", r.Op, r.Address, r.Service, r.Characteristic, r.Data, r.WithResponse)
	case OpRespond:
		return fmt.Sprintf("%s %s req=%d %s off=%d %x", r.Op, r.Address, r.RequestID, r.Status, r.Offset, r.Data)
	default:
		return fmt.Sprintf("%s %s", r.Op, r.Address)
	}
}

// Options configures a Driver.
type Options struct {
	Callbacks      transport.Callbacks // Receives native callbacks (required)
	Logger         *logrus.Logger      // Optional logger (nil = logrus.New())
	AutoAck        bool                // Answer requests the way a healthy stack would
	AsyncResponses bool                // SendResponse returns transport.ErrPending and reports OnResponseSent
}

type delivery struct {
	delay time.Duration
	fn    func(cb transport.Callbacks)
}

var _ interface {
	transport.Connector
	transport.Bonder
	transport.Gatt
	transport.Responder
} = (*Driver)(nil)

// Driver implements every transport request interface in memory.
type Driver struct {
	ctx       context.Context
	callbacks transport.Callbacks
	logger    *logrus.Logger
	autoAck   bool
	async     bool

	mu       sync.Mutex
	requests []Request
	faults   map[Op][]Fault
	values   map[string][]byte
	queue    []delivery
	wake     chan struct{}
}

// New creates the driver and starts its delivery goroutine, which runs until ctx is done.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.Callbacks == nil {
		return nil, errors.New("simulated: callbacks are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	d := &Driver{
		ctx:       ctx,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		autoAck:   opts.AutoAck,
		async:     opts.AsyncResponses,
		faults:    make(map[Op][]Fault),
		values:    make(map[string][]byte),
		wake:      make(chan struct{}, 1),
	}
	groutine.Go(ctx, "simulated-driver", d.run)
	return d, nil
}

// Inject queues a one-shot fault for the next request of op.
func (d *Driver) Inject(op Op, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], f)
}

// SetValue sets what an acknowledged read of characteristic returns.
func (d *Driver) SetValue(characteristic string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[device.NormalizeUUID(characteristic)] = append([]byte(nil), value...)
}

// Requests returns a copy of the recorded requests.
func (d *Driver) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Lines renders the recorded requests one per entry.
func (d *Driver) Lines() []string {
	reqs := d.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.String()
	}
	return out
}

// Emit schedules a scripted native callback after every callback already scheduled.
func (d *Driver) Emit(fn func(cb transport.Callbacks)) {
	d.EmitAfter(0, fn)
}

// EmitAfter is Emit with a delay before delivery.
func (d *Driver) EmitAfter(delay time.Duration, fn func(cb transport.Callbacks)) {
	d.mu.Lock()
	d.queue = append(d.queue, delivery{delay: delay, fn: fn})
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every callback scheduled so far has been delivered.
func (d *Driver) Flush(ctx context.Context) error {
	done := make(chan struct{})
	d.Emit(func(transport.Callbacks) { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrStopped
	}
}

func (d *Driver) run(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			select {
			case <-d.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		next := d.queue[0]
		d.queue[0] = delivery{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if next.delay > 0 {
			timer := time.NewTimer(next.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		next.fn(d.callbacks)
	}
}

// record stores r and pops the next fault for its op.
func (d *Driver) record(r Request) Fault {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, r)
	var f Fault
	if queued := d.faults[r.Op]; len(queued) > 0 {
		f = queued[0]
		d.faults[r.Op] = queued[1:]
	}
	d.logger.WithFields(logrus.Fields{
		"request": r.String(),
		"fault":   fmt.Sprintf("%+v", f),
	}).Debug("Simulated driver request")
	return f
}

// answer schedules the acknowledgment callbacks of a request. steps run in
// order; the last one is the final callback a Duplicate fault repeats.
func (d *Driver) answer(f Fault, steps ...func(cb transport.Callbacks)) {
	if !d.autoAck || f.Drop || len(steps) == 0 {
		return
	}
	d.EmitAfter(f.Delay, steps[0])
	for _, step := range steps[1:] {
		d.Emit(step)
	}
	if f.Duplicate {
		d.Emit(steps[len(steps)-1])
	}
}

func rejection(op Op, f Fault) error {
	status := f.Status
	if status.IsSuccess() {
		status = native.StatusError
	}
	return &native.Error{Status: status, Op: string(op)}
}

func (d *Driver) RequestConnect(address string) error {
	f := d.record(Request{Op: OpConnect, Address: address})
	if f.Reject {
		return rejection(OpConnect, f)
	}
	connecting := func(cb transport.Callbacks) {
		cb.OnConnectionStateChange(address, native.StatusSuccess, rawConnecting)
	}
	if !f.Status.IsSuccess() {
		d.answer(f, connecting, func(cb transport.Callbacks) {
			cb.OnConnectionStateChange(address, f.Status, rawDisconnected)
		})
		return nil
	}
	d.answer(f, connecting, func(cb transport.Callbacks) {
		cb.OnConnectionStateChange(address, native.StatusSuccess, rawConnected)
	})
	return nil
}

func (d *Driver) RequestDisconnect(address string) error {
	f := d.record(Request{Op: OpDisconnect, Address: address})
	if f.Reject {
		return rejection(OpDisconnect, f)
	}
	d.answer(f, func(cb transport.Callbacks) {
		cb.OnConnectionStateChange(address, f.Status, rawDisconnected)
	})
	return nil
}

func (d *Driver) CreateBond(address string) error {
	f := d.record(Request{Op: OpBond, Address: address})
	if f.Reject {
		return rejection(OpBond, f)
	}
	bonding := func(cb transport.Callbacks) {
		cb.OnBondStateChange(address, native.StatusSuccess, native.Bonding)
	}
	final := native.Bonded
	if !f.Status.IsSuccess() {
		final = native.BondNone
	}
	d.answer(f, bonding, func(cb transport.Callbacks) {
		cb.OnBondStateChange(address, f.Status, final)
	})
	return nil
}

func (d *Driver) RemoveBond(address string) error {
	f := d.record(Request{Op: OpUnbond, Address: address})
	if f.Reject {
		return rejection(OpUnbond, f)
	}
	d.answer(f, func(cb transport.Callbacks) {
		cb.OnBondStateChange(address, f.Status, native.BondNone)
	})
	return nil
}

func (d *Driver) ReadCharacteristic(address, service, characteristic string) error {
	f := d.record(Request{Op: OpRead, Address: address, Service: service, Characteristic: characteristic})
	if f.Reject {
		return rejection(OpRead, f)
	}
	d.mu.Lock()
	value := d.values[device.NormalizeUUID(characteristic)]
	d.mu.Unlock()
	if !f.Status.IsSuccess() {
		value = nil
	}
	d.answer(f, func(cb transport.Callbacks) {
		cb.OnCharacteristicRead(address, service, characteristic, f.Status, value)
	})
	return nil
}

func (d *Driver) WriteCharacteristic(address, service, characteristic string, data []byte, withResponse bool) error {
	f := d.record(Request{
		Op:             OpWrite,
		Address:        address,
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		WithResponse:   withResponse,
	})
	if f.Reject {
		return rejection(OpWrite, f)
	}
	if !withResponse {
		return nil
	}
	d.mu.Lock()
	if f.Status.IsSuccess() {
		d.values[device.NormalizeUUID(characteristic)] = append([]byte(nil), data...)
	}
	d.mu.Unlock()
	d.answer(f, func(cb transport.Callbacks) {
		cb.OnCharacteristicWrite(address, service, characteristic, f.Status)
	})
	return nil
}

// SendResponse records the response. In async mode the outcome is reported
// through OnResponseSent even without AutoAck.
func (d *Driver) SendResponse(address string, requestID int, status native.Status, offset int, value []byte) error {
	f := d.record(Request{
		Op:        OpRespond,
		Address:   address,
		RequestID: requestID,
		Status:    status,
		Offset:    offset,
		Data:      append([]byte(nil), value...),
	})
	if f.Reject {
		return rejection(OpRespond, f)
	}
	if !d.async {
		return nil
	}
	if !f.Drop {
		sent := func(cb transport.Callbacks) { cb.OnResponseSent(address, requestID, f.Status) }
		d.EmitAfter(f.Delay, sent)
		if f.Duplicate {
			d.Emit(sent)
		}
	}
	return transport.ErrPending
}
