package native

import "fmt"

// ConnState is the connection state reported by the driver for one peer.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
	// Unknown covers any raw state value the driver reports that is not one
	// of the above. The raw value travels alongside in the event record.
	Unknown
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnStateFromRaw maps the profile constants used by common stacks
// (0 disconnected, 1 connecting, 2 connected, 3 disconnecting).
func ConnStateFromRaw(raw int) ConnState {
	switch raw {
	case 0:
		return Disconnected
	case 1:
		return Connecting
	case 2:
		return Connected
	case 3:
		return Disconnecting
	default:
		return Unknown
	}
}

// BondState is the pairing state of a peer.
type BondState int

const (
	BondNone BondState = iota
	Bonding
	Bonded
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "NONE"
	case Bonding:
		return "BONDING"
	case Bonded:
		return "BONDED"
	default:
		return fmt.Sprintf("BOND_STATE(%d)", int(s))
	}
}

// ParseConnState parses the textual form produced by ConnState.String.
func ParseConnState(s string) (ConnState, error) {
	for _, st := range []ConnState{Disconnected, Connecting, Connected, Disconnecting, Unknown} {
		if st.String() == s {
			return st, nil
		}
	}
	return Unknown, fmt.Errorf("unknown connection state %q", s)
}

// ParseBondState parses the textual form produced by BondState.String.
func ParseBondState(s string) (BondState, error) {
	for _, st := range []BondState{BondNone, Bonding, Bonded} {
		if st.String() == s {
			return st, nil
		}
	}
	return BondNone, fmt.Errorf("unknown bond state %q", s)
}
