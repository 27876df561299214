// Package transport defines the boundary between the core and a radio driver.
//
// Request methods are called from the dispatch loop and must return quickly;
// their outcome arrives later through Callbacks, on whatever goroutine the
// driver uses. Drivers are the sole ground truth for actual transport state.
package transport

import (
	"errors"

	"github.com/srg/blequeue/internal/native"
)

var (
	// ErrUnsupported is returned by drivers for operations their stack lacks.
	ErrUnsupported = errors.New("operation not supported by transport")
	// ErrPending is returned by a Responder that accepted a response and will
	// report the outcome through Callbacks.OnResponseSent.
	ErrPending = errors.New("outcome reported asynchronously")
)

// Connector opens and closes links to peers.
type Connector interface {
	RequestConnect(address string) error
	RequestDisconnect(address string) error
}

// Bonder pairs with peers.
type Bonder interface {
	CreateBond(address string) error
	RemoveBond(address string) error
}

// Gatt reads and writes characteristics of a connected peer.
type Gatt interface {
	ReadCharacteristic(address, service, characteristic string) error
	WriteCharacteristic(address, service, characteristic string, data []byte, withResponse bool) error
}

// Responder answers peer-initiated requests on our server. A nil error means
// the response left the stack.
type Responder interface {
	SendResponse(address string, requestID int, status native.Status, offset int, value []byte) error
}

// Callbacks is what a driver calls when the native stack reports something.
// Implementations are safe to call from any goroutine.
type Callbacks interface {
	OnConnectionStateChange(address string, status native.Status, rawState int)
	OnBondStateChange(address string, status native.Status, state native.BondState)
	OnCharacteristicRead(address, service, characteristic string, status native.Status, value []byte)
	OnCharacteristicWrite(address, service, characteristic string, status native.Status)
	OnCharacteristicReadRequest(address string, requestID, offset int, characteristic string)
	OnDescriptorReadRequest(address string, requestID, offset int, characteristic, descriptor string)
	OnCharacteristicWriteRequest(address string, requestID int, characteristic string, prepared, responseNeeded bool, offset int, value []byte)
	OnDescriptorWriteRequest(address string, requestID int, characteristic, descriptor string, prepared, responseNeeded bool, offset int, value []byte)
	OnResponseSent(address string, requestID int, status native.Status)
}

// Poster accepts native event records. The dispatch loop implements it.
type Poster interface {
	PostEvent(ev native.Event)
}

// Recorder turns driver callbacks into immutable records handed to a Poster.
type Recorder struct {
	poster Poster
}

// NewRecorder returns Callbacks that forward records to p.
func NewRecorder(p Poster) *Recorder {
	return &Recorder{poster: p}
}

func (r *Recorder) OnConnectionStateChange(address string, status native.Status, rawState int) {
	r.poster.PostEvent(native.ConnectionStateChanged{
		Address:  address,
		Status:   status,
		NewState: native.ConnStateFromRaw(rawState),
		Raw:      rawState,
	})
}

func (r *Recorder) OnBondStateChange(address string, status native.Status, state native.BondState) {
	r.poster.PostEvent(native.BondStateChanged{Address: address, Status: status, NewState: state})
}

func (r *Recorder) OnCharacteristicRead(address, service, characteristic string, status native.Status, value []byte) {
	r.poster.PostEvent(native.CharacteristicRead{
		Address:        address,
		Service:        service,
		Characteristic: characteristic,
		Status:         status,
		Value:          clone(value),
	})
}

func (r *Recorder) OnCharacteristicWrite(address, service, characteristic string, status native.Status) {
	r.poster.PostEvent(native.CharacteristicWritten{
		Address:        address,
		Service:        service,
		Characteristic: characteristic,
		Status:         status,
	})
}

func (r *Recorder) OnCharacteristicReadRequest(address string, requestID, offset int, characteristic string) {
	r.poster.PostEvent(native.ReadRequest{
		Address:        address,
		RequestID:      requestID,
		Offset:         offset,
		Characteristic: characteristic,
	})
}

func (r *Recorder) OnDescriptorReadRequest(address string, requestID, offset int, characteristic, descriptor string) {
	r.poster.PostEvent(native.ReadRequest{
		Address:        address,
		RequestID:      requestID,
		Offset:         offset,
		Characteristic: characteristic,
		Descriptor:     descriptor,
	})
}

func (r *Recorder) OnCharacteristicWriteRequest(address string, requestID int, characteristic string, prepared, responseNeeded bool, offset int, value []byte) {
	r.poster.PostEvent(native.WriteRequest{
		Address:        address,
		RequestID:      requestID,
		Offset:         offset,
		Characteristic: characteristic,
		Prepared:       prepared,
		ResponseNeeded: responseNeeded,
		Value:          clone(value),
	})
}

func (r *Recorder) OnDescriptorWriteRequest(address string, requestID int, characteristic, descriptor string, prepared, responseNeeded bool, offset int, value []byte) {
	r.poster.PostEvent(native.WriteRequest{
		Address:        address,
		RequestID:      requestID,
		Offset:         offset,
		Characteristic: characteristic,
		Descriptor:     descriptor,
		Prepared:       prepared,
		ResponseNeeded: responseNeeded,
		Value:          clone(value),
	})
}

func (r *Recorder) OnResponseSent(address string, requestID int, status native.Status) {
	r.poster.PostEvent(native.ResponseSent{Address: address, RequestID: requestID, Status: status})
}

// clone copies driver buffers, which stacks commonly reuse after the callback returns.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
