// Package goble implements the transport driver on top of go-ble.
//
// go-ble exposes blocking calls; the driver runs each of them on its own named
// goroutine and reports the outcome through transport.Callbacks, so request
// methods return immediately as the dispatch loop requires.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/groutine"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/transport"
)

// DefaultConnectTimeout bounds a single dial when Options leaves it unset.
const DefaultConnectTimeout = 30 * time.Second

// Raw connection states reported through Callbacks.
const (
	rawDisconnected = 0
	rawConnecting   = 1
	rawConnected    = 2
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Dialer opens a client connection to address.
type Dialer func(ctx context.Context, address string) (ble.Client, error)

// Options configures a Driver.
type Options struct {
	Callbacks      transport.Callbacks // Receives native callbacks (required)
	Logger         *logrus.Logger      // Optional logger (nil = logrus.New())
	ConnectTimeout time.Duration       // Dial deadline (0 = DefaultConnectTimeout)
	Dial           Dialer              // Optional dialer (nil = DeviceFactory + ble.Dial)
}

type link struct {
	client  ble.Client
	profile *ble.Profile
	local   bool // disconnect requested by us
}

// Driver is a central-role driver backed by go-ble. It implements
// transport.Connector, transport.Bonder and transport.Gatt.
type Driver struct {
	ctx            context.Context
	callbacks      transport.Callbacks
	logger         *logrus.Logger
	connectTimeout time.Duration
	dial           Dialer

	mu      sync.Mutex
	links   map[string]*link
	dialing map[string]context.CancelFunc
}

// New creates a driver. Background work stops when ctx is cancelled.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.Callbacks == nil {
		return nil, errors.New("goble: callbacks are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Dial == nil {
		opts.Dial = defaultDialer()
	}
	return &Driver{
		ctx:            ctx,
		callbacks:      opts.Callbacks,
		logger:         opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		dial:           opts.Dial,
		links:          make(map[string]*link),
		dialing:        make(map[string]context.CancelFunc),
	}, nil
}

// defaultDialer creates the platform device once and dials through it.
func defaultDialer() Dialer {
	var (
		once sync.Once
		dev  ble.Device
		err  error
	)
	return func(ctx context.Context, address string) (ble.Client, error) {
		once.Do(func() {
			dev, err = DeviceFactory()
			if err == nil {
				ble.SetDefaultDevice(dev)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create BLE device: %w", err)
		}
		return dev.Dial(ctx, ble.NewAddr(address))
	}
}

// RequestConnect dials address in the background.
func (d *Driver) RequestConnect(address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is empty")
	}

	d.mu.Lock()
	if _, ok := d.links[address]; ok {
		d.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	if _, ok := d.dialing[address]; ok {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.connectTimeout)
	d.dialing[address] = cancel
	d.mu.Unlock()

	groutine.Go(ctx, "goble-connect", func(ctx context.Context) {
		defer cancel()
		d.connect(ctx, address)
	})
	return nil
}

func (d *Driver) connect(ctx context.Context, address string) {
	log := d.logger.WithField("address", address)
	d.callbacks.OnConnectionStateChange(address, native.StatusSuccess, rawConnecting)

	log.Debug("Dialing BLE device...")
	client, err := d.dial(ctx, address)
	if err != nil {
		d.forgetDial(address)
		log.WithError(err).Warn("Failed to dial BLE device")
		d.callbacks.OnConnectionStateChange(address, dialStatus(ctx, err), rawDisconnected)
		return
	}

	log.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		d.forgetDial(address)
		log.WithError(err).Warn("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		d.callbacks.OnConnectionStateChange(address, native.StatusError, rawDisconnected)
		return
	}

	l := &link{client: client, profile: profile}
	d.mu.Lock()
	delete(d.dialing, address)
	d.links[address] = l
	d.mu.Unlock()

	log.WithField("services", len(profile.Services)).Info("BLE device connected")
	d.callbacks.OnConnectionStateChange(address, native.StatusSuccess, rawConnected)

	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(d.ctx, "goble-link-monitor", func(ctx context.Context) {
			select {
			case <-watcher.Disconnected():
				d.linkClosed(address, l)
			case <-ctx.Done():
			}
		})
	}
}

func (d *Driver) forgetDial(address string) {
	d.mu.Lock()
	delete(d.dialing, address)
	d.mu.Unlock()
}

// linkClosed reports the end of l once, whoever noticed it first.
func (d *Driver) linkClosed(address string, l *link) {
	d.mu.Lock()
	if d.links[address] != l {
		d.mu.Unlock()
		return
	}
	delete(d.links, address)
	local := l.local
	d.mu.Unlock()

	status := native.StatusLinkLoss
	if local {
		status = native.StatusSuccess
	} else {
		d.logger.WithField("address", address).Warn("BLE link lost")
	}
	d.callbacks.OnConnectionStateChange(address, status, rawDisconnected)
}

// RequestDisconnect cancels a pending dial or closes the link.
func (d *Driver) RequestDisconnect(address string) error {
	d.mu.Lock()
	if cancel, ok := d.dialing[address]; ok {
		d.mu.Unlock()
		cancel()
		return nil
	}
	l, ok := d.links[address]
	if !ok {
		d.mu.Unlock()
		// Nothing to close; report the state the stack already is in.
		groutine.Go(d.ctx, "goble-disconnect", func(context.Context) {
			d.callbacks.OnConnectionStateChange(address, native.StatusSuccess, rawDisconnected)
		})
		return nil
	}
	l.local = true
	d.mu.Unlock()

	groutine.Go(d.ctx, "goble-disconnect", func(context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			d.logger.WithError(err).WithField("address", address).Warn("BLE device disconnected with errors")
		}
		d.linkClosed(address, l)
	})
	return nil
}

// CreateBond is not exposed by go-ble; pairing is left to the OS.
func (d *Driver) CreateBond(address string) error {
	return fmt.Errorf("goble: bond %s: %w", address, transport.ErrUnsupported)
}

// RemoveBond is not exposed by go-ble.
func (d *Driver) RemoveBond(address string) error {
	return fmt.Errorf("goble: unbond %s: %w", address, transport.ErrUnsupported)
}

// ReadCharacteristic reads in the background and reports through OnCharacteristicRead.
func (d *Driver) ReadCharacteristic(address, service, characteristic string) error {
	l, char, err := d.lookup(address, service, characteristic)
	if err != nil {
		return err
	}
	groutine.Go(d.ctx, "goble-read", func(context.Context) {
		value, err := l.client.ReadCharacteristic(char)
		if err != nil {
			d.logger.WithError(err).WithField("characteristic", characteristic).Warn("Characteristic read failed")
		}
		d.callbacks.OnCharacteristicRead(address, service, characteristic, opStatus(err), value)
	}, d.failOnPanic(func() {
		d.callbacks.OnCharacteristicRead(address, service, characteristic, native.StatusError, nil)
	}))
	return nil
}

// WriteCharacteristic writes a command synchronously, or a request in the
// background reported through OnCharacteristicWrite.
func (d *Driver) WriteCharacteristic(address, service, characteristic string, data []byte, withResponse bool) error {
	l, char, err := d.lookup(address, service, characteristic)
	if err != nil {
		return err
	}
	if !withResponse {
		return NormalizeError(l.client.WriteCharacteristic(char, data, true))
	}
	value := append([]byte(nil), data...)
	groutine.Go(d.ctx, "goble-write", func(context.Context) {
		err := l.client.WriteCharacteristic(char, value, false)
		if err != nil {
			d.logger.WithError(err).WithField("characteristic", characteristic).Warn("Characteristic write failed")
		}
		d.callbacks.OnCharacteristicWrite(address, service, characteristic, opStatus(err))
	}, d.failOnPanic(func() {
		d.callbacks.OnCharacteristicWrite(address, service, characteristic, native.StatusError)
	}))
	return nil
}

// Connected reports whether the driver holds a link to address.
func (d *Driver) Connected(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.links[address]
	return ok
}

func (d *Driver) lookup(address, service, characteristic string) (*link, *ble.Characteristic, error) {
	d.mu.Lock()
	l, ok := d.links[address]
	d.mu.Unlock()
	if !ok {
		return nil, nil, &device.ConnectionError{State: device.NotConnected, Msg: address}
	}

	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(characteristic)
	for _, svc := range l.profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charUUID {
				return l, c, nil
			}
		}
		return nil, nil, &device.NotFoundError{Service: service, Characteristic: characteristic}
	}
	return nil, nil, &device.NotFoundError{Service: service}
}

func dialStatus(ctx context.Context, err error) native.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return native.StatusConnectionTimeout
	}
	if errors.Is(err, context.Canceled) {
		return native.StatusTerminatedLocally
	}
	return native.StatusError
}

// failOnPanic logs a panicking client call and reports it through report, so
// the pending task resolves instead of waiting for its deadline.
func (d *Driver) failOnPanic(report func()) groutine.Option {
	return groutine.OnPanic(func(name string, value any, stack []byte) {
		d.logger.WithFields(logrus.Fields{
			"goroutine": name,
			"panic":     value,
			"stack":     string(stack),
		}).Error("BLE client call panicked")
		report()
	})
}

func opStatus(err error) native.Status {
	if err == nil {
		return native.StatusSuccess
	}
	if errors.Is(NormalizeError(err), device.ErrNotConnected) {
		return native.StatusLinkLoss
	}
	return native.StatusError
}
