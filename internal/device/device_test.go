package device_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/events"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/task"
	"github.com/srg/blequeue/internal/testutils"
	"github.com/srg/blequeue/internal/transport"
	"github.com/stretchr/testify/suite"
)

const (
	address   = "AA:BB:CC:DD:EE:FF"
	heartRate = "180d"
	measure   = "2a37"
)

type fakeDriver struct {
	calls    []string
	bondErr  error
	readErr  error
	writeErr error
}

func (f *fakeDriver) RequestConnect(a string) error {
	f.calls = append(f.calls, "connect")
	return nil
}

func (f *fakeDriver) RequestDisconnect(a string) error {
	f.calls = append(f.calls, "disconnect")
	return nil
}

func (f *fakeDriver) CreateBond(a string) error {
	f.calls = append(f.calls, "bond")
	return f.bondErr
}

func (f *fakeDriver) RemoveBond(a string) error {
	f.calls = append(f.calls, "unbond")
	return nil
}

func (f *fakeDriver) ReadCharacteristic(a, svc, char string) error {
	f.calls = append(f.calls, fmt.Sprintf("read %s/%s", svc, char))
	return f.readErr
}

func (f *fakeDriver) WriteCharacteristic(a, svc, char string, data []byte, withResponse bool) error {
	f.calls = append(f.calls, fmt.Sprintf("write %s/%s %x %t", svc, char, data, withResponse))
	return f.writeErr
}

type DeviceTestSuite struct {
	suite.Suite

	clock  time.Time
	queue  *task.Queue
	driver *fakeDriver
	device *device.Device
	events []events.Event
}

func (suite *DeviceTestSuite) SetupTest() {
	logger := testutils.NewTestLogger()
	suite.clock = time.Unix(1_700_000_000, 0)
	now := func() time.Time { return suite.clock }
	suite.events = nil

	suite.queue = task.NewQueue(logger, task.WithClock(now))
	suite.driver = &fakeDriver{}
	dev, err := device.New(device.DeviceOptions{
		Address:     address,
		Queue:       suite.queue,
		Driver:      suite.driver,
		Logger:      logger,
		GattTimeout: time.Second,
		Now:         now,
		Sink:        events.SinkFunc(func(ev events.Event) { suite.events = append(suite.events, ev) }),
	})
	suite.Require().NoError(err)
	suite.device = dev
}

func (suite *DeviceTestSuite) connect() {
	suite.device.HandleNative(native.ConnectionStateChanged{Address: address, Status: native.StatusSuccess, NewState: native.Connected, Raw: 2})
	suite.Require().Equal(native.Connected, suite.device.State())
}

func (suite *DeviceTestSuite) bondState(state native.BondState, status native.Status) {
	suite.device.HandleNative(native.BondStateChanged{Address: address, Status: status, NewState: state})
}

// lines renders published events of the given type.
func (suite *DeviceTestSuite) lines(typ events.Type) []string {
	var out []string
	for _, ev := range suite.events {
		if ev.Type() == typ {
			out = append(out, ev.String())
		}
	}
	return out
}

func (suite *DeviceTestSuite) TestNewRejectsEmptyAddress() {
	_, err := device.New(device.DeviceOptions{Queue: suite.queue, Driver: suite.driver})
	suite.Assert().True(device.IsConnectionState(err, device.NotInitialized), "empty address MUST be rejected as not initialized")
}

func (suite *DeviceTestSuite) TestReadRequiresConnection() {
	// GOAL: Verify GATT operations are refused while the link is down
	//
	// TEST SCENARIO: Read on a disconnected device → ErrNotConnected, no task, no driver call

	t, err := suite.device.Read(heartRate, measure)
	suite.Assert().Nil(t)
	suite.Assert().ErrorIs(err, device.ErrNotConnected)
	suite.Assert().Nil(suite.queue.Current())
	suite.Assert().Empty(suite.driver.calls)
}

func (suite *DeviceTestSuite) TestReadResolvedByMatchingCallback() {
	// GOAL: Verify a read completes only on the callback for its characteristic
	//
	// TEST SCENARIO: read 2a37 → callback for 2a38 ignored → callback for full 2a37 UUID → SUCCEEDED with value

	suite.connect()
	t, err := suite.device.Read("0x180D", "2A37")
	suite.Require().NoError(err)
	suite.Assert().Equal(task.Executing, t.State())
	suite.Assert().Equal([]string{"read 180d/2a37"}, suite.driver.calls, "UUIDs MUST be normalized before reaching the driver")

	suite.device.HandleNative(native.CharacteristicRead{Address: address, Service: heartRate, Characteristic: "2a38", Status: native.StatusSuccess, Value: []byte{9}})
	suite.Assert().Equal(task.Executing, t.State(), "callback for another characteristic MUST be ignored")

	suite.device.HandleNative(native.CharacteristicRead{
		Address: address, Service: heartRate, Characteristic: "00002A37-0000-1000-8000-00805F9B34FB",
		Status: native.StatusSuccess, Value: []byte{0x06, 0x48},
	})
	suite.Assert().Equal(task.Succeeded, t.State())
	op, ok := device.OperationOf(t)
	suite.Require().True(ok)
	suite.Assert().Equal([]byte{0x06, 0x48}, op.Value)
	suite.Assert().Equal([]string{
		"gatt device:AA:BB:CC:DD:EE:FF/AA:BB:CC:DD:EE:FF READ 180d/2a37 SUCCEEDED GATT_SUCCESS 0648",
	}, suite.lines(events.TypeGatt))
}

func (suite *DeviceTestSuite) TestReadFailureCarriesStatus() {
	suite.connect()
	t, err := suite.device.Read(heartRate, measure)
	suite.Require().NoError(err)

	suite.device.HandleNative(native.CharacteristicRead{Address: address, Characteristic: measure, Status: native.StatusReadNotPermitted})
	suite.Assert().Equal(task.Failed, t.State())
	suite.Assert().Equal(native.StatusReadNotPermitted, t.Status(), "failure MUST carry the native status")
	suite.Assert().ErrorIs(device.TaskError(t), &native.Error{Status: native.StatusReadNotPermitted}, "task error MUST carry the native status")
}

func (suite *DeviceTestSuite) TestWrite() {
	// GOAL: Verify writes with and without response
	//
	// TEST SCENARIO: write without response → SUCCEEDED at once; write with response → waits for callback

	suite.connect()
	quick, err := suite.device.Write(heartRate, "2a39", []byte{0x01}, false)
	suite.Require().NoError(err)
	suite.Assert().Equal(task.Succeeded, quick.State(), "write without response MUST settle synchronously")

	acked, err := suite.device.Write(heartRate, "2a39", []byte{0x02}, true)
	suite.Require().NoError(err)
	suite.Assert().Equal(task.Executing, acked.State())
	suite.device.HandleNative(native.CharacteristicWritten{Address: address, Characteristic: "2a39", Status: native.StatusSuccess})
	suite.Assert().Equal(task.Succeeded, acked.State())

	suite.Assert().Equal([]string{"write 180d/2a39 01 false", "write 180d/2a39 02 true"}, suite.driver.calls)
}

func (suite *DeviceTestSuite) TestWriteRejectedByDriver() {
	suite.connect()
	suite.driver.writeErr = errors.New("device not connected")
	t, err := suite.device.Write(heartRate, "2a39", []byte{0x01}, true)
	suite.Require().NoError(err, "driver rejection MUST surface through the task, not Write")
	suite.Assert().Equal(task.Failed, t.State())
	suite.Assert().Equal(native.StatusFailure, t.Status())
}

func (suite *DeviceTestSuite) TestExplicitBond() {
	// GOAL: Verify an explicit bond is resolved by the bond state callbacks
	//
	// TEST SCENARIO: Bond → driver bond → BONDING (no extra task) → BONDED → SUCCEEDED

	t, err := suite.device.Bond()
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"bond"}, suite.driver.calls)

	suite.bondState(native.Bonding, native.StatusSuccess)
	suite.Assert().Zero(suite.queue.Len(), "no implicit task MUST be synthesized while a bond task executes")
	suite.bondState(native.Bonded, native.StatusSuccess)

	suite.Assert().Equal(task.Succeeded, t.State())
	suite.Assert().Equal(native.Bonded, suite.device.BondState())
	testutils.NewTraceAsserter(suite.T()).AssertLines(suite.lines(events.TypeBond), `
		bond device:AA:BB:CC:DD:EE:FF/AA:BB:CC:DD:EE:FF NONE -> BONDING explicit GATT_SUCCESS
		bond device:AA:BB:CC:DD:EE:FF/AA:BB:CC:DD:EE:FF BONDING -> BONDED explicit GATT_SUCCESS
	`)

	again, err := suite.device.Bond()
	suite.Require().NoError(err)
	suite.Assert().Equal(task.Succeeded, again.State(), "bonding a bonded device MUST succeed without the driver")
	suite.Assert().Len(suite.driver.calls, 1)
}

func (suite *DeviceTestSuite) TestImplicitBonding() {
	// GOAL: Verify bonding started by the stack is tracked by an implicit task
	//
	// TEST SCENARIO: BONDING without task → implicit bond task at implicit priority → BONDED → SUCCEEDED

	suite.bondState(native.Bonding, native.StatusSuccess)
	t := suite.queue.Current()
	suite.Require().NotNil(t, "implicit bond task MUST be executing")
	suite.Assert().Equal(task.KindBond, t.Kind())
	suite.Assert().False(t.IsExplicit())
	suite.Assert().Equal(task.PriorityForImplicitBondingAndConnecting, t.Priority())
	suite.Assert().Empty(suite.driver.calls, "implicit tasks MUST not call the driver")

	suite.bondState(native.Bonded, native.StatusSuccess)
	suite.Assert().Equal(task.Succeeded, t.State())
}

func (suite *DeviceTestSuite) TestBondFailure() {
	t, err := suite.device.Bond()
	suite.Require().NoError(err)
	suite.bondState(native.Bonding, native.StatusSuccess)
	suite.bondState(native.BondNone, native.Status(0x4c))

	suite.Assert().Equal(task.Failed, t.State())
	suite.Assert().Equal(native.Status(0x4c), t.Status())
}

func (suite *DeviceTestSuite) TestBondUnsupportedByDriver() {
	suite.driver.bondErr = fmt.Errorf("go-ble: %w", transport.ErrUnsupported)
	t, err := suite.device.Bond()
	suite.Require().NoError(err)
	suite.Assert().Equal(task.Failed, t.State())
	suite.Assert().Equal(native.StatusFailure, t.Status())
}

func (suite *DeviceTestSuite) TestUnbond() {
	// GOAL: Verify unbond of an unbonded device is superseded, and a real unbond resolves on NONE
	//
	// TEST SCENARIO: Unbond while NONE → SOFTLY_CANCELLED; bond, Unbond → driver unbond → NONE → SUCCEEDED

	idle, err := suite.device.Unbond()
	suite.Require().NoError(err)
	suite.Assert().Equal(task.SoftlyCancelled, idle.State())
	suite.Assert().Empty(suite.driver.calls)

	suite.bondState(native.Bonding, native.StatusSuccess)
	suite.bondState(native.Bonded, native.StatusSuccess)

	t, err := suite.device.Unbond()
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"unbond"}, suite.driver.calls)
	suite.bondState(native.BondNone, native.StatusSuccess)
	suite.Assert().Equal(task.Succeeded, t.State())
}

func (suite *DeviceTestSuite) TestLinkLossAbortsGatt() {
	// GOAL: Verify no GATT task is left in limbo when the link drops
	//
	// TEST SCENARIO: read executing + read pending, native disconnected (link loss) → FAILED + CANCELLED

	suite.connect()
	first, err := suite.device.Read(heartRate, measure)
	suite.Require().NoError(err)
	second, err := suite.device.Read(heartRate, "2a38")
	suite.Require().NoError(err)
	suite.Require().Equal(task.Queued, second.State(), "reads MUST not coalesce")

	suite.device.HandleNative(native.ConnectionStateChanged{Address: address, Status: native.StatusLinkLoss, NewState: native.Disconnected, Raw: 0})

	suite.Assert().Equal(task.Failed, first.State())
	suite.Assert().Equal(native.StatusLinkLoss, first.Status())
	suite.Assert().Equal(task.Cancelled, second.State())
	suite.Assert().ErrorIs(device.TaskError(first), device.ErrNotConnected, "executing read MUST report the lost link")
	suite.Assert().ErrorIs(device.TaskError(second), device.ErrAborted, "pending read MUST report it never ran")
	suite.Assert().Nil(suite.queue.Current())
	suite.Assert().Contains(suite.lines(events.TypePeer),
		"peer device:AA:BB:CC:DD:EE:FF/AA:BB:CC:DD:EE:FF disconnected implicit GATT_CONN_LMP_TIMEOUT")
}

func (suite *DeviceTestSuite) TestReadTimeout() {
	suite.connect()
	t, err := suite.device.Read(heartRate, measure)
	suite.Require().NoError(err)

	suite.clock = suite.clock.Add(time.Second)
	suite.queue.Tick(suite.clock)
	suite.Assert().Equal(task.TimedOut, t.State(), "unanswered read MUST time out")
	suite.Assert().ErrorIs(device.TaskError(t), device.ErrTimeout, "timed out read MUST produce ErrTimeout")
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}
