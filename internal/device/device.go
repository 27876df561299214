package device

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/connection"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
)

// Driver is what a device needs from the transport.
type Driver interface {
	transport.Connector
	transport.Bonder
	transport.Gatt
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	Address           string           // Peer address
	Queue             *task.Queue      // Shared transport queue
	Driver            Driver           // Transport driver
	Sink              events.Sink      // Optional event sink (nil = discard)
	Logger            *logrus.Logger   // Optional logger (nil = logrus.New())
	ConnectTimeout    time.Duration    // Explicit connect deadline (0 = queue default)
	DisconnectTimeout time.Duration    // Explicit disconnect deadline (0 = queue default)
	BondTimeout       time.Duration    // Bond and unbond deadline (0 = queue default)
	GattTimeout       time.Duration    // Read and write deadline (0 = queue default)
	Now               func() time.Time // Clock (nil = time.Now)
}

// Device is the device-role facade for one peer.
type Device struct {
	address string
	owner   task.Owner
	queue   *task.Queue
	driver  Driver
	machine *connection.Machine
	sink    events.Sink
	logger  *logrus.Logger
	now     func() time.Time

	bondTimeout time.Duration
	gattTimeout time.Duration

	bond atomic.Int32
}

// New creates the facade for opts.Address.
func New(opts DeviceOptions) (*Device, error) {
	if opts.Address == "" {
		return nil, &ConnectionError{State: NotInitialized, Msg: "device address is empty"}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Device{
		address:     opts.Address,
		owner:       task.DeviceOwner(opts.Address),
		queue:       opts.Queue,
		driver:      opts.Driver,
		sink:        opts.Sink,
		logger:      opts.Logger,
		now:         opts.Now,
		bondTimeout: opts.BondTimeout,
		gattTimeout: opts.GattTimeout,
	}
	d.bond.Store(int32(native.BondNone))
	d.machine = connection.NewMachine(connection.MachineOptions{
		Owner:             d.owner,
		Queue:             opts.Queue,
		Connector:         opts.Driver,
		Delegate:          linkDelegate{d},
		Sink:              opts.Sink,
		Logger:            opts.Logger,
		ConnectTimeout:    opts.ConnectTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		Now:               opts.Now,
	})
	return d, nil
}

func (d *Device) Address() string              { return d.address }
func (d *Device) Owner() task.Owner            { return d.owner }
func (d *Device) Machine() *connection.Machine { return d.machine }

// State returns the last native connection state. Safe from any goroutine.
func (d *Device) State() native.ConnState {
	return d.machine.State(d.address)
}

// BondState returns the last native bond state. Safe from any goroutine.
func (d *Device) BondState() native.BondState {
	return native.BondState(d.bond.Load())
}

// Connect attaches to or enqueues a connect task for this device.
func (d *Device) Connect() (*task.Task, error) {
	return d.machine.Connect(d.address)
}

// Disconnect enqueues a disconnect task, dropping pending connects.
func (d *Device) Disconnect() (*task.Task, error) {
	return d.machine.Disconnect(d.address)
}

// HandleNative routes a native record for this device.
func (d *Device) HandleNative(ev native.Event) {
	switch ev := ev.(type) {
	case native.ConnectionStateChanged:
		d.machine.HandleStateChange(ev)
	case native.BondStateChanged:
		d.onBondStateChange(ev)
	case native.CharacteristicRead:
		d.onCharacteristicRead(ev)
	case native.CharacteristicWritten:
		d.onCharacteristicWritten(ev)
	default:
		d.logger.WithFields(logrus.Fields{
			"address": d.address,
			"event":   fmt.Sprintf("%T", ev),
		}).Debug("Ignoring native event not handled by devices")
	}
}

func (d *Device) target() task.Target {
	return task.Target{Owner: d.owner, Address: d.address}
}

// linkDelegate publishes link outcomes and aborts GATT work on link loss.
type linkDelegate struct {
	d *Device
}

func (l linkDelegate) OnConnect(address string, explicit bool) {
	l.publish(events.PeerConnected, explicit, native.StatusSuccess)
}

func (l linkDelegate) OnDisconnect(address string, explicit bool, status native.Status) {
	l.d.abortGatt(status)
	l.publish(events.PeerDisconnected, explicit, status)
}

func (l linkDelegate) OnConnectFail(address string, status native.Status) {
	l.publish(events.PeerConnectFail, false, status)
}

func (l linkDelegate) publish(outcome events.PeerOutcome, explicit bool, status native.Status) {
	l.d.logger.WithFields(logrus.Fields{
		"address":  l.d.address,
		"outcome":  outcome,
		"explicit": explicit,
		"status":   status,
	}).Info("Device connection outcome")
	l.d.sink.Publish(events.PeerEvent{
		Time:     l.d.now(),
		Target:   l.d.target(),
		Outcome:  outcome,
		Explicit: explicit,
		Status:   status,
	})
}
