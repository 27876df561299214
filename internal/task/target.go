package task

import "fmt"

// Scope tells whether an owner acts in the device (central) or server role.
type Scope int

const (
	ScopeDevice Scope = iota
	ScopeServer
)

func (s Scope) String() string {
	if s == ScopeServer {
		return "server"
	}
	return "device"
}

// Owner identifies the facade a task belongs to: one device, or one server.
type Owner struct {
	Scope Scope
	ID    string
}

// DeviceOwner returns the owner of device-role tasks for the given address.
func DeviceOwner(address string) Owner {
	return Owner{Scope: ScopeDevice, ID: address}
}

// ServerOwner returns the owner of server-role tasks for the named server.
func ServerOwner(name string) Owner {
	return Owner{Scope: ScopeServer, ID: name}
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%s", o.Scope, o.ID)
}

// Target is the peer address combined with the owner scope it is addressed from.
type Target struct {
	Owner   Owner
	Address string
}

// IsFor reports whether the target belongs to owner and refers to address.
func (t Target) IsFor(owner Owner, address string) bool {
	return t.Owner == owner && t.Address == address
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Owner, t.Address)
}
