package task

import "fmt"

// Priority orders pending tasks. Higher values run first; ties run in
// insertion order.
type Priority int

const (
	PriorityTrivial Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityForExplicitBondingAndConnecting
	// PriorityForImplicitBondingAndConnecting lets transport-driven reconnect
	// and rebond churn overtake ordinary application work.
	PriorityForImplicitBondingAndConnecting
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityTrivial:
		return "TRIVIAL"
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityForExplicitBondingAndConnecting:
		return "FOR_EXPLICIT_BONDING_AND_CONNECTING"
	case PriorityForImplicitBondingAndConnecting:
		return "FOR_IMPLICIT_BONDING_AND_CONNECTING"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}
