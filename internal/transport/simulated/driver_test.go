package simulated_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/testutils"
	"github.com/srg/blequeue/internal/transport"
	"github.com/srg/blequeue/internal/transport/simulated"
	"github.com/stretchr/testify/suite"
)

const address = "AA"

// tracePoster renders every native record as a line.
type tracePoster chan string

func (p tracePoster) PostEvent(ev native.Event) {
	switch ev := ev.(type) {
	case native.ConnectionStateChanged:
		p <- fmt.Sprintf("state %s %s %s", ev.Address, ev.NewState, ev.Status)
	case native.BondStateChanged:
		p <- fmt.Sprintf("bond %s %s %s", ev.Address, ev.NewState, ev.Status)
	case native.CharacteristicRead:
		p <- fmt.Sprintf("read %s %s %s %x", ev.Address, ev.Characteristic, ev.Status, ev.Value)
	case native.CharacteristicWritten:
		p <- fmt.Sprintf("written %s %s %s", ev.Address, ev.Characteristic, ev.Status)
	case native.ResponseSent:
		p <- fmt.Sprintf("sent %s %d %s", ev.Address, ev.RequestID, ev.Status)
	default:
		p <- fmt.Sprintf("%T", ev)
	}
}

type DriverTestSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	trace  tracePoster
}

func (suite *DriverTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.trace = make(tracePoster, 64)
}

func (suite *DriverTestSuite) TearDownTest() {
	suite.cancel()
}

func (suite *DriverTestSuite) newDriver(opts simulated.Options) *simulated.Driver {
	opts.Callbacks = transport.NewRecorder(suite.trace)
	opts.Logger = testutils.NewTestLogger()
	d, err := simulated.New(suite.ctx, opts)
	suite.Require().NoError(err)
	return d
}

// drain flushes the driver and returns every callback delivered so far.
func (suite *DriverTestSuite) drain(d *simulated.Driver) []string {
	ctx, cancel := context.WithTimeout(suite.ctx, time.Second)
	defer cancel()
	suite.Require().NoError(d.Flush(ctx))
	var out []string
	for {
		select {
		case line := <-suite.trace:
			out = append(out, line)
		default:
			return out
		}
	}
}

func (suite *DriverTestSuite) TestAutoAck() {
	// GOAL: Verify a healthy stack answers every request in order
	//
	// TEST SCENARIO: connect, bond, write, read, unbond, disconnect → matching callbacks

	d := suite.newDriver(simulated.Options{AutoAck: true})
	suite.Require().NoError(d.RequestConnect(address))
	suite.Require().NoError(d.CreateBond(address))
	suite.Require().NoError(d.WriteCharacteristic(address, "180d", "2a39", []byte{0x07}, true))
	suite.Require().NoError(d.ReadCharacteristic(address, "180d", "2A39"))
	suite.Require().NoError(d.RemoveBond(address))
	suite.Require().NoError(d.RequestDisconnect(address))

	testutils.NewTraceAsserter(suite.T()).AssertLines(suite.drain(d), `
		state AA CONNECTING GATT_SUCCESS
		state AA CONNECTED GATT_SUCCESS
		bond AA BONDING GATT_SUCCESS
		bond AA BONDED GATT_SUCCESS
		written AA 2a39 GATT_SUCCESS
		read AA 2A39 GATT_SUCCESS 07
		bond AA NONE GATT_SUCCESS
		state AA DISCONNECTED GATT_SUCCESS
	`)
	testutils.NewTraceAsserter(suite.T()).AssertLines(d.Lines(), `
		connect AA
		bond AA
		write AA 180d/2a39 07 response=true
		read AA 180d/2A39
		unbond AA
		disconnect AA
	`)
}

func (suite *DriverTestSuite) TestWithoutAutoAckOnlyRecords() {
	d := suite.newDriver(simulated.Options{})
	suite.Require().NoError(d.RequestConnect(address))
	suite.Assert().Empty(suite.drain(d), "requests MUST not be answered without auto-ack")
	suite.Assert().Equal([]string{"connect AA"}, d.Lines())
}

func (suite *DriverTestSuite) TestFaults() {
	// GOAL: Verify one-shot faults alter exactly one request
	//
	// TEST SCENARIO: reject, fail, drop, duplicate on consecutive connects, then a clean connect

	d := suite.newDriver(simulated.Options{AutoAck: true})
	d.Inject(simulated.OpConnect, simulated.Fault{Reject: true})
	d.Inject(simulated.OpConnect, simulated.Fault{Status: native.Status(58)})
	d.Inject(simulated.OpConnect, simulated.Fault{Drop: true})
	d.Inject(simulated.OpConnect, simulated.Fault{Duplicate: true})

	err := d.RequestConnect(address)
	suite.Assert().ErrorIs(err, &native.Error{Status: native.StatusError}, "rejection MUST carry a native status")

	for i := 0; i < 4; i++ {
		suite.Require().NoError(d.RequestConnect(address))
	}

	testutils.NewTraceAsserter(suite.T()).AssertLines(suite.drain(d), `
		state AA CONNECTING GATT_SUCCESS
		state AA DISCONNECTED GATT_STATUS(58)
		state AA CONNECTING GATT_SUCCESS
		state AA CONNECTED GATT_SUCCESS
		state AA CONNECTED GATT_SUCCESS
		state AA CONNECTING GATT_SUCCESS
		state AA CONNECTED GATT_SUCCESS
	`)
	suite.Assert().Len(d.Requests(), 5, "every request MUST be recorded, including rejected ones")
}

func (suite *DriverTestSuite) TestDelayKeepsOrder() {
	d := suite.newDriver(simulated.Options{AutoAck: true})
	d.Inject(simulated.OpRead, simulated.Fault{Delay: 20 * time.Millisecond})
	d.SetValue("2a37", []byte{1})

	start := time.Now()
	suite.Require().NoError(d.ReadCharacteristic(address, "180d", "2a37"))
	d.Emit(func(cb transport.Callbacks) { cb.OnConnectionStateChange(address, native.StatusLinkLoss, 0) })

	lines := suite.drain(d)
	suite.Assert().GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	suite.Assert().Equal([]string{
		"read AA 2a37 GATT_SUCCESS 01",
		"state AA DISCONNECTED GATT_CONN_LMP_TIMEOUT",
	}, lines, "scripted callbacks MUST stay behind delayed acknowledgments")
}

func (suite *DriverTestSuite) TestWriteWithoutResponseHasNoCallback() {
	d := suite.newDriver(simulated.Options{AutoAck: true})
	suite.Require().NoError(d.WriteCharacteristic(address, "180d", "2a39", []byte{1}, false))
	suite.Assert().Empty(suite.drain(d))
}

func (suite *DriverTestSuite) TestResponses() {
	// GOAL: Verify synchronous and asynchronous response reporting
	//
	// TEST SCENARIO: sync mode → nil; async mode → ErrPending then OnResponseSent

	sync := suite.newDriver(simulated.Options{})
	suite.Assert().NoError(sync.SendResponse(address, 1, native.StatusSuccess, 0, []byte{0xaa}))
	suite.Assert().Equal([]string{"respond AA req=1 GATT_SUCCESS off=0 aa"}, sync.Lines())

	async := suite.newDriver(simulated.Options{AsyncResponses: true})
	async.Inject(simulated.OpRespond, simulated.Fault{Status: native.StatusError})
	suite.Assert().ErrorIs(async.SendResponse(address, 2, native.StatusSuccess, 0, nil), transport.ErrPending)
	suite.Assert().ErrorIs(async.SendResponse(address, 3, native.StatusSuccess, 0, nil), transport.ErrPending)
	testutils.NewTraceAsserter(suite.T()).AssertLines(suite.drain(async), `
		sent AA 2 GATT_ERROR
		sent AA 3 GATT_SUCCESS
	`)
}

func (suite *DriverTestSuite) TestNewRequiresCallbacks() {
	_, err := simulated.New(suite.ctx, simulated.Options{})
	suite.Assert().Error(err)
}

func TestDriverTestSuite(t *testing.T) {
	suite.Run(t, new(DriverTestSuite))
}
