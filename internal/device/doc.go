// Package device is the device-role facade over the shared task queue.
//
// A Device represents one remote peripheral we act as central for. It owns a
// connection state machine for that address and adds bonding and GATT
// characteristic reads and writes, each expressed as a task so that every
// radio operation of the process goes through the same single slot.
//
// Apart from the read-only accessors (State, BondState), Device methods must
// be called on the dispatch loop goroutine.
package device
