package native

// Event is an immutable record of one driver callback. Records are created on
// driver goroutines and consumed on the dispatch loop, so they carry values only.
type Event interface {
	// PeerAddress returns the transport address of the peer the callback is about.
	PeerAddress() string
	isNativeEvent()
}

// ConnectionStateChanged mirrors onConnectionStateChange(address, status, newState).
type ConnectionStateChanged struct {
	Address  string
	Status   Status
	NewState ConnState
	Raw      int // raw state value as reported, meaningful when NewState is Unknown
}

// BondStateChanged reports a pairing state transition.
type BondStateChanged struct {
	Address  string
	Status   Status
	NewState BondState
}

// CharacteristicRead reports the outcome of a characteristic read issued by us.
type CharacteristicRead struct {
	Address        string
	Service        string
	Characteristic string
	Status         Status
	Value          []byte
}

// CharacteristicWritten reports the outcome of a characteristic write issued by us.
type CharacteristicWritten struct {
	Address        string
	Service        string
	Characteristic string
	Status         Status
}

// ReadRequest is a peer-initiated read against our server.
type ReadRequest struct {
	Address        string
	RequestID      int
	Offset         int
	Characteristic string
	Descriptor     string // empty for characteristic reads
}

// WriteRequest is a peer-initiated write against our server.
type WriteRequest struct {
	Address        string
	RequestID      int
	Offset         int
	Characteristic string
	Descriptor     string // empty for characteristic writes
	Prepared       bool
	ResponseNeeded bool
	Value          []byte
}

// ResponseSent reports the asynchronous outcome of a response send, for
// drivers that cannot report it synchronously.
type ResponseSent struct {
	Address   string
	RequestID int
	Status    Status
}

func (e ConnectionStateChanged) PeerAddress() string { return e.Address }
func (e BondStateChanged) PeerAddress() string       { return e.Address }
func (e CharacteristicRead) PeerAddress() string     { return e.Address }
func (e CharacteristicWritten) PeerAddress() string  { return e.Address }
func (e ReadRequest) PeerAddress() string            { return e.Address }
func (e WriteRequest) PeerAddress() string           { return e.Address }
func (e ResponseSent) PeerAddress() string           { return e.Address }

func (ConnectionStateChanged) isNativeEvent() {}
func (BondStateChanged) isNativeEvent()       {}
func (CharacteristicRead) isNativeEvent()     {}
func (CharacteristicWritten) isNativeEvent()  {}
func (ReadRequest) isNativeEvent()            {}
func (WriteRequest) isNativeEvent()           {}
func (ResponseSent) isNativeEvent()           {}
