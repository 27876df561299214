// Package manager assembles the task engine: one queue, the dispatch loop that
// owns it, the event bus and history, and the server and device facades
// registered on the loop. A Manager is an explicit value passed to whoever
// needs it; several can coexist in one process.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/dispatch"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/server"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/transport"
	"github.com/srg/blequeue/pkg/config"
)

var (
	// ErrDuplicateServer is returned when a server name is already registered.
	ErrDuplicateServer = errors.New("server already registered")
	// ErrDuplicateDevice is returned when a device address is already registered.
	ErrDuplicateDevice = errors.New("device already registered")
)

// Options configures a Manager.
type Options struct {
	Config *config.Config   // Optional configuration (nil = config.DefaultConfig())
	Logger *logrus.Logger   // Optional logger (nil = Config.NewLogger())
	Sinks  []events.Sink    // Extra sinks receiving every event
	Now    func() time.Time // Clock (nil = time.Now)
}

// Manager is the explicit context object every facade hangs off.
type Manager struct {
	cfg     *config.Config
	logger  *logrus.Logger
	now     func() time.Time
	queue   *task.Queue
	loop    *dispatch.Loop
	bus     *events.Bus
	history *events.Recorder
	sink    events.Sink

	mu      sync.Mutex
	servers map[string]*server.Server
	devices map[string]*device.Device
}

// New builds a manager. Call Start to run its dispatch loop.
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = opts.Config.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	history, err := events.NewRecorder(cfg.HistorySize, func(err error) {
		opts.Logger.WithError(err).Warn("Event history dropped an event")
	})
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  opts.Logger,
		now:     opts.Now,
		bus:     events.NewBus(cfg.EventBuffer),
		history: history,
		servers: make(map[string]*server.Server),
		devices: make(map[string]*device.Device),
	}
	m.sink = events.Multi(append([]events.Sink{m.bus, m.history}, opts.Sinks...)...)

	m.queue = task.NewQueue(opts.Logger,
		task.WithClock(opts.Now),
		task.WithDefaultTimeout(cfg.TaskTimeout),
	)
	m.queue.AddListener(task.ListenerFunc(func(t *task.Task, state task.State) {
		m.sink.Publish(events.NewTaskEvent(m.now(), t, state))
	}))
	m.loop = dispatch.New(m.queue, opts.Logger, dispatch.Options{
		InboxSize:    cfg.InboxSize,
		TickInterval: cfg.TickInterval,
		Now:          opts.Now,
	})
	return m, nil
}

func (m *Manager) Config() *config.Config    { return m.cfg }
func (m *Manager) Logger() *logrus.Logger    { return m.logger }
func (m *Manager) Queue() *task.Queue        { return m.queue }
func (m *Manager) Loop() *dispatch.Loop      { return m.loop }
func (m *Manager) Bus() *events.Bus          { return m.bus }
func (m *Manager) History() *events.Recorder { return m.history }
func (m *Manager) Sink() events.Sink         { return m.sink }

// Start runs the dispatch loop until ctx ends. The bus is closed after the
// loop has exited and flushed its final task transitions.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loop.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-m.loop.Done()
		m.bus.Close()
	}()
	return nil
}

// Done is closed once the dispatch loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.loop.Done()
}

// Do runs fn on the dispatch loop. Facade methods must be called this way.
func (m *Manager) Do(ctx context.Context, fn func()) error {
	return m.loop.Do(ctx, fn)
}

// Callbacks returns driver callbacks routed to owner.
func (m *Manager) Callbacks(owner task.Owner) transport.Callbacks {
	return m.loop.Callbacks(owner)
}

// DeviceCallbacks returns driver callbacks routed to devices by peer address.
func (m *Manager) DeviceCallbacks() transport.Callbacks {
	return m.loop.DeviceCallbacks()
}

// AddServer creates a server facade and registers it on the loop.
func (m *Manager) AddServer(ctx context.Context, name string, driver server.Driver) (*server.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, name)
	}

	srv := server.New(server.ServerOptions{
		Name:              name,
		Queue:             m.queue,
		Driver:            driver,
		Sink:              m.sink,
		Logger:            m.logger,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		DisconnectTimeout: m.cfg.DisconnectTimeout,
		ResponseTimeout:   m.cfg.ResponseTimeout,
		Now:               m.now,
	})
	if err := m.loop.Register(ctx, srv.Owner(), srv); err != nil {
		return nil, fmt.Errorf("register server %s: %w", name, err)
	}
	m.servers[name] = srv
	m.logger.WithField("server", name).Debug("Server registered")
	return srv, nil
}

// AddDevice creates a device facade for address and registers it on the loop.
func (m *Manager) AddDevice(ctx context.Context, address string, driver device.Driver) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, address)
	}

	dev, err := device.New(device.DeviceOptions{
		Address:           address,
		Queue:             m.queue,
		Driver:            driver,
		Sink:              m.sink,
		Logger:            m.logger,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		DisconnectTimeout: m.cfg.DisconnectTimeout,
		BondTimeout:       m.cfg.BondTimeout,
		GattTimeout:       m.cfg.GattTimeout,
		Now:               m.now,
	})
	if err != nil {
		return nil, err
	}
	if err := m.loop.Register(ctx, dev.Owner(), dev); err != nil {
		return nil, fmt.Errorf("register device %s: %w", address, err)
	}
	m.devices[address] = dev
	m.logger.WithField("address", address).Debug("Device registered")
	return dev, nil
}

// Server returns the named server, or nil.
func (m *Manager) Server(name string) *server.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name]
}

// Device returns the device registered for address, or nil.
func (m *Manager) Device(address string) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[address]
}
