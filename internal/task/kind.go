package task

import "fmt"

// Kind is the closed set of operations a task can perform against the
// transport. Collaborators switch on Kind instead of inspecting Go types.
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindBond
	KindUnbond
	KindRead
	KindWrite
	KindSendResponse
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindBond:
		return "BOND"
	case KindUnbond:
		return "UNBOND"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindSendResponse:
		return "SEND_RESPONSE"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}
