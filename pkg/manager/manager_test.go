package manager_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/server"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/testutils"
	"github.com/srg/blequeue/internal/transport"
	"github.com/srg/blequeue/internal/transport/simulated"
	"github.com/srg/blequeue/pkg/config"
	"github.com/srg/blequeue/pkg/manager"
	"github.com/stretchr/testify/suite"
)

// collector records event lines published from the dispatch loop.
type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, e.String())
}

func (c *collector) has(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.lines, line)
}

type ManagerTestSuite struct {
	suite.Suite

	ctx     context.Context
	cancel  context.CancelFunc
	events  *collector
	manager *manager.Manager
}

func (suite *ManagerTestSuite) SetupTest() {
	cfg := config.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.GattTimeout = 100 * time.Millisecond

	suite.events = &collector{}
	m, err := manager.New(manager.Options{
		Config: cfg,
		Logger: testutils.NewTestLogger(),
		Sinks:  []events.Sink{suite.events},
	})
	suite.Require().NoError(err)
	suite.manager = m

	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.Require().NoError(m.Start(suite.ctx))
}

func (suite *ManagerTestSuite) TearDownTest() {
	suite.cancel()
	<-suite.manager.Done()
}

func (suite *ManagerTestSuite) driver(cb transport.Callbacks, opts simulated.Options) *simulated.Driver {
	opts.Callbacks = cb
	opts.Logger = testutils.NewTestLogger()
	d, err := simulated.New(suite.ctx, opts)
	suite.Require().NoError(err)
	return d
}

func (suite *ManagerTestSuite) eventually(line string) {
	suite.Require().Eventually(func() bool { return suite.events.has(line) },
		time.Second, 5*time.Millisecond, "event %q MUST be published", line)
}

func (suite *ManagerTestSuite) TestDeviceRoundTrip() {
	// GOAL: Verify a device facade drives the simulated stack end to end through the loop
	//
	// TEST SCENARIO: connect → CONNECTED callback → read → value published in GATT event

	drv := suite.driver(suite.manager.DeviceCallbacks(), simulated.Options{AutoAck: true})
	drv.SetValue("2a37", []byte{0x42})
	dev, err := suite.manager.AddDevice(suite.ctx, "AA", drv)
	suite.Require().NoError(err)
	suite.Assert().Same(dev, suite.manager.Device("AA"))

	suite.Require().NoError(suite.manager.Do(suite.ctx, func() {
		_, err = dev.Connect()
	}))
	suite.Require().NoError(err)
	suite.eventually("peer device:AA/AA connected explicit GATT_SUCCESS")
	suite.eventually("task CONNECT device:AA/AA explicit SUCCEEDED GATT_SUCCESS")
	suite.Assert().Equal(native.Connected, dev.State())

	suite.Require().NoError(suite.manager.Do(suite.ctx, func() {
		_, err = dev.Read("180d", "2a37")
	}))
	suite.Require().NoError(err)
	suite.eventually("gatt device:AA/AA READ 180d/2a37 SUCCEEDED GATT_SUCCESS 42")

	suite.Assert().Equal([]string{"connect AA", "read AA 180d/2a37"}, drv.Lines())
}

func (suite *ManagerTestSuite) TestGattTimeoutFromConfig() {
	// GOAL: Verify the configured GATT deadline reaches device reads
	//
	// TEST SCENARIO: connect → read whose answer is dropped → TIMED_OUT well before the task default

	drv := suite.driver(suite.manager.DeviceCallbacks(), simulated.Options{AutoAck: true})
	drv.Inject(simulated.OpRead, simulated.Fault{Drop: true})
	dev, err := suite.manager.AddDevice(suite.ctx, "AA", drv)
	suite.Require().NoError(err)

	suite.Require().NoError(suite.manager.Do(suite.ctx, func() { _, err = dev.Connect() }))
	suite.Require().NoError(err)
	suite.eventually("peer device:AA/AA connected explicit GATT_SUCCESS")

	suite.Require().NoError(suite.manager.Do(suite.ctx, func() { _, err = dev.Read("180d", "2a37") }))
	suite.Require().NoError(err)
	suite.eventually("gatt device:AA/AA READ 180d/2a37 TIMED_OUT NONE")
}

func (suite *ManagerTestSuite) TestServerAnswersPeerRequest() {
	// GOAL: Verify server callbacks are routed by owner and answered through a send-response task
	//
	// TEST SCENARIO: peer connects on its own → read request → listener answers → async ack → SUCCESS

	owner := task.ServerOwner("gatt")
	drv := suite.driver(suite.manager.Callbacks(owner), simulated.Options{AutoAck: true, AsyncResponses: true})
	srv, err := suite.manager.AddServer(suite.ctx, "gatt", drv)
	suite.Require().NoError(err)
	suite.Require().NoError(suite.manager.Do(suite.ctx, func() {
		srv.SetRequestListener(server.RequestListenerFunc(func(ev server.RequestEvent) *server.Please {
			return server.RespondWithSuccess([]byte("hi"))
		}))
	}))

	drv.Emit(func(cb transport.Callbacks) { cb.OnConnectionStateChange("BB", native.StatusSuccess, 2) })
	drv.Emit(func(cb transport.Callbacks) { cb.OnCharacteristicReadRequest("BB", 7, 0, "2a00") })

	suite.eventually("peer server:gatt/BB connected implicit GATT_SUCCESS")
	suite.eventually("response server:gatt/BB READ CHARACTERISTIC 2a00 req=7 SUCCESS")
	suite.Assert().Equal([]string{"respond BB req=7 GATT_SUCCESS off=0 6869"}, drv.Lines())
}

func (suite *ManagerTestSuite) TestDuplicateRegistration() {
	drv := suite.driver(suite.manager.DeviceCallbacks(), simulated.Options{})

	_, err := suite.manager.AddServer(suite.ctx, "gatt", drv)
	suite.Require().NoError(err)
	_, err = suite.manager.AddServer(suite.ctx, "gatt", drv)
	suite.Assert().ErrorIs(err, manager.ErrDuplicateServer)

	_, err = suite.manager.AddDevice(suite.ctx, "AA", drv)
	suite.Require().NoError(err)
	_, err = suite.manager.AddDevice(suite.ctx, "AA", drv)
	suite.Assert().ErrorIs(err, manager.ErrDuplicateDevice)

	suite.Assert().Nil(suite.manager.Device("BB"))
	suite.Assert().Nil(suite.manager.Server("other"))
}

func (suite *ManagerTestSuite) TestShutdownInterruptsExecutingTask() {
	// GOAL: Verify stopping the manager resolves in-flight work and closes the bus
	//
	// TEST SCENARIO: connect with a silent stack → cancel → INTERRUPTED published, bus channel closed

	drv := suite.driver(suite.manager.DeviceCallbacks(), simulated.Options{})
	dev, err := suite.manager.AddDevice(suite.ctx, "AA", drv)
	suite.Require().NoError(err)
	suite.Require().NoError(suite.manager.Do(suite.ctx, func() {
		_, err = dev.Connect()
	}))
	suite.Require().NoError(err)

	suite.cancel()
	<-suite.manager.Done()
	suite.Assert().True(suite.events.has("task CONNECT device:AA/AA explicit INTERRUPTED"),
		"executing task MUST be interrupted on shutdown")

	history, err := suite.manager.History().Drain()
	suite.Require().NoError(err)
	suite.Assert().NotEmpty(history, "history MUST retain task transitions")

	suite.Eventually(func() bool {
		for {
			select {
			case _, ok := <-suite.manager.Bus().C():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond, "bus channel MUST close after the loop exits")
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.InboxSize = 0
	_, err := manager.New(manager.Options{Config: cfg})
	if err == nil {
		t.Fatal("invalid configuration MUST be rejected")
	}
}
