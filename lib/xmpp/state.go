package xmpp

import "fmt"

// State represents the lifecycle state of a client session.
// States are ordered: a session may only move to a numerically
// higher state. Any attempted backwards transition is a fault.
type State int

const (
	// StateIdle is the zero state before the connection is accepted.
	StateIdle State = iota

	// StateConnect indicates an accepted connection negotiating the
	// stream, STARTTLS, and SASL.
	StateConnect

	// StateInit indicates successful authentication, awaiting the
	// post-auth stream re-open and resource binding.
	StateInit

	// StateBind indicates a bound JID, awaiting session establishment.
	StateBind

	// StateReady indicates an established session participating in
	// stanza routing.
	StateReady

	// StateDisconnect is the terminal state.
	StateDisconnect
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnect:
		return "CONNECT"
	case StateInit:
		return "INIT"
	case StateBind:
		return "BIND"
	case StateReady:
		return "READY"
	case StateDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies an authenticated peer.
type Kind int

const (
	// KindUnknown is the kind before SASL completes.
	KindUnknown Kind = iota

	// KindBot is an embedded appliance (non-empty devclass).
	KindBot

	// KindController is a human-facing client.
	KindController
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindBot:
		return "BOT"
	case KindController:
		return "CONTROLLER"
	default:
		return "UNKNOWN"
	}
}

// stateError reports an illegal backwards state transition.
type stateError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *stateError) Error() string {
	return fmt.Sprintf("illegal state change %s->%s", e.From, e.To)
}
