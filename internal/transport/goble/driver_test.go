package goble_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blequeue/internal/device"
	"github.com/srg/blequeue/internal/native"
	"github.com/srg/blequeue/internal/testutils"
	"github.com/srg/blequeue/internal/transport"
	"github.com/srg/blequeue/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

const address = "AA:BB:CC:DD:EE:FF"

// fakeClient implements the subset of ble.Client the driver uses.
type fakeClient struct {
	ble.Client

	mu           sync.Mutex
	profile      *ble.Profile
	value        []byte
	writes       []string
	readErr      error
	readPanic    any
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		profile: &ble.Profile{Services: []*ble.Service{{
			UUID: ble.UUID16(0x180d),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.UUID16(0x2a37)},
				{UUID: ble.UUID16(0x2a39)},
			},
		}}},
		value:        []byte{0x06, 0x48},
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverProfile(force bool) (*ble.Profile, error) { return c.profile, nil }
func (c *fakeClient) Disconnected() <-chan struct{}                   { return c.disconnected }

func (c *fakeClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readPanic != nil {
		panic(c.readPanic)
	}
	return c.value, c.readErr
}

func (c *fakeClient) WriteCharacteristic(char *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, fmt.Sprintf("%s %x noRsp=%t", char.UUID, value, noRsp))
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.drop()
	return nil
}

func (c *fakeClient) drop() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

type channelPoster chan native.Event

func (p channelPoster) PostEvent(ev native.Event) { p <- ev }

type DriverTestSuite struct {
	suite.Suite

	ctx     context.Context
	cancel  context.CancelFunc
	events  channelPoster
	client  *fakeClient
	dialErr error
	driver  *goble.Driver
}

func (suite *DriverTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.events = make(channelPoster, 32)
	suite.client = newFakeClient()
	suite.dialErr = nil

	driver, err := goble.New(suite.ctx, goble.Options{
		Callbacks:      transport.NewRecorder(suite.events),
		Logger:         testutils.NewTestLogger(),
		ConnectTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (ble.Client, error) {
			if suite.dialErr != nil {
				return nil, suite.dialErr
			}
			return suite.client, nil
		},
	})
	suite.Require().NoError(err)
	suite.driver = driver
}

func (suite *DriverTestSuite) TearDownTest() {
	suite.cancel()
}

func (suite *DriverTestSuite) next() native.Event {
	select {
	case ev := <-suite.events:
		return ev
	case <-time.After(time.Second):
		suite.FailNow("native callback MUST arrive")
		return nil
	}
}

func (suite *DriverTestSuite) expectState(state native.ConnState, status native.Status) {
	ev, ok := suite.next().(native.ConnectionStateChanged)
	suite.Require().True(ok, "connection state callback expected")
	suite.Assert().Equal(state, ev.NewState)
	suite.Assert().Equal(status, ev.Status)
}

func (suite *DriverTestSuite) connect() {
	suite.Require().NoError(suite.driver.RequestConnect(address))
	suite.expectState(native.Connecting, native.StatusSuccess)
	suite.expectState(native.Connected, native.StatusSuccess)
	suite.Require().True(suite.driver.Connected(address))
}

func (suite *DriverTestSuite) TestNewRequiresCallbacks() {
	_, err := goble.New(suite.ctx, goble.Options{})
	suite.Assert().Error(err)
}

func (suite *DriverTestSuite) TestConnectAndDisconnect() {
	// GOAL: Verify the dial outcome and a local disconnect are reported as callbacks
	//
	// TEST SCENARIO: connect → CONNECTING, CONNECTED; disconnect → DISCONNECTED with success

	suite.connect()
	suite.Assert().ErrorIs(suite.driver.RequestConnect(address), device.ErrAlreadyConnected)

	suite.Require().NoError(suite.driver.RequestDisconnect(address))
	suite.expectState(native.Disconnected, native.StatusSuccess)
	suite.Assert().False(suite.driver.Connected(address))
}

func (suite *DriverTestSuite) TestLinkLoss() {
	suite.connect()
	suite.client.drop()
	suite.expectState(native.Disconnected, native.StatusLinkLoss)
}

func (suite *DriverTestSuite) TestDialFailure() {
	suite.dialErr = errors.New("connection refused")
	suite.Require().NoError(suite.driver.RequestConnect(address))
	suite.expectState(native.Connecting, native.StatusSuccess)
	suite.expectState(native.Disconnected, native.StatusError)
	suite.Assert().False(suite.driver.Connected(address))
}

func (suite *DriverTestSuite) TestDisconnectWithoutLink() {
	suite.Require().NoError(suite.driver.RequestDisconnect(address))
	suite.expectState(native.Disconnected, native.StatusSuccess)
}

func (suite *DriverTestSuite) TestRead() {
	// GOAL: Verify reads resolve asynchronously with the value
	//
	// TEST SCENARIO: connect → read 2a37 → CharacteristicRead with value and success

	suite.connect()
	suite.Require().NoError(suite.driver.ReadCharacteristic(address, "180d", "2a37"))

	ev, ok := suite.next().(native.CharacteristicRead)
	suite.Require().True(ok)
	suite.Assert().Equal("2a37", ev.Characteristic)
	suite.Assert().Equal(native.StatusSuccess, ev.Status)
	suite.Assert().Equal([]byte{0x06, 0x48}, ev.Value)
}

func (suite *DriverTestSuite) TestReadAfterLinkDrop() {
	suite.connect()
	suite.client.readErr = errors.New("device not connected")
	suite.Require().NoError(suite.driver.ReadCharacteristic(address, "180d", "2a37"))

	ev, ok := suite.next().(native.CharacteristicRead)
	suite.Require().True(ok)
	suite.Assert().Equal(native.StatusLinkLoss, ev.Status, "not connected errors MUST map to link loss")
}

func (suite *DriverTestSuite) TestReadPanicReportsFailure() {
	// GOAL: Verify a panicking client read still resolves the read
	//
	// TEST SCENARIO: client panics inside ReadCharacteristic → CharacteristicRead with GATT_ERROR

	suite.connect()
	suite.client.readPanic = "nil characteristic handle"
	suite.Require().NoError(suite.driver.ReadCharacteristic(address, "180d", "2a37"))

	ev, ok := suite.next().(native.CharacteristicRead)
	suite.Require().True(ok, "panicking read MUST still report through callbacks")
	suite.Assert().Equal(native.StatusError, ev.Status)
	suite.Assert().Empty(ev.Value)
	suite.Assert().True(suite.driver.Connected(address), "link MUST survive a panicking read")
}

func (suite *DriverTestSuite) TestWrite() {
	suite.connect()

	suite.Require().NoError(suite.driver.WriteCharacteristic(address, "180d", "2a39", []byte{0x01}, false))
	suite.Require().NoError(suite.driver.WriteCharacteristic(address, "180d", "2a39", []byte{0x02}, true))
	ev, ok := suite.next().(native.CharacteristicWritten)
	suite.Require().True(ok, "write with response MUST report through callbacks")
	suite.Assert().Equal(native.StatusSuccess, ev.Status)

	suite.client.mu.Lock()
	defer suite.client.mu.Unlock()
	suite.Assert().Len(suite.client.writes, 2)
}

func (suite *DriverTestSuite) TestLookupErrors() {
	err := suite.driver.ReadCharacteristic(address, "180d", "2a37")
	suite.Assert().ErrorIs(err, device.ErrNotConnected)

	suite.connect()
	var nf *device.NotFoundError
	err = suite.driver.ReadCharacteristic(address, "180f", "2a19")
	suite.Require().ErrorAs(err, &nf)
	suite.Assert().Equal("180f", nf.Service)
	suite.Assert().Empty(nf.Characteristic, "missing service MUST leave the characteristic empty")

	err = suite.driver.WriteCharacteristic(address, "180d", "2a38", nil, true)
	suite.Require().ErrorAs(err, &nf)
	suite.Assert().Equal("2a38", nf.Characteristic)
}

func (suite *DriverTestSuite) TestBondUnsupported() {
	suite.Assert().ErrorIs(suite.driver.CreateBond(address), transport.ErrUnsupported)
	suite.Assert().ErrorIs(suite.driver.RemoveBond(address), transport.ErrUnsupported)
}

func TestDriverTestSuite(t *testing.T) {
	suite.Run(t, new(DriverTestSuite))
}

func TestDialTimeout(t *testing.T) {
	events := make(channelPoster, 4)
	driver, err := goble.New(context.Background(), goble.Options{
		Callbacks:      transport.NewRecorder(events),
		ConnectTimeout: 10 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (ble.Client, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.RequestConnect(address); err != nil {
		t.Fatal(err)
	}
	<-events // connecting
	ev := (<-events).(native.ConnectionStateChanged)
	if ev.NewState != native.Disconnected || ev.Status != native.StatusConnectionTimeout {
		t.Fatalf("dial timeout MUST report DISCONNECTED with GATT_CONN_TIMEOUT, got %s %s", ev.NewState, ev.Status)
	}
}
