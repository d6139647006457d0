// Package federation implements the inter-cell identity handshake: a
// cryptographically authenticated, nonce-protected, four-step exchange
// driven by a deterministic state machine. Given an identical message
// transcript and clock sequence, the state sequence is byte-identical.
package federation

// State is the handshake session state.
type State int

const (
	StateUninitialized State = iota
	StateIdentityExchange
	StateCapabilityNegotiation
	StateTrustEstablishment
	StateConfirmed
	StateFailedIdentity
	StateFailedCapabilities
	StateFailedTrust
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateIdentityExchange:
		return "IDENTITY_EXCHANGE"
	case StateCapabilityNegotiation:
		return "CAPABILITY_NEGOTIATION"
	case StateTrustEstablishment:
		return "TRUST_ESTABLISHMENT"
	case StateConfirmed:
		return "CONFIRMED"
	case StateFailedIdentity:
		return "FAILED_IDENTITY"
	case StateFailedCapabilities:
		return "FAILED_CAPABILITIES"
	case StateFailedTrust:
		return "FAILED_TRUST"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state has no outgoing edges.
func (s State) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateFailedIdentity, StateFailedCapabilities, StateFailedTrust:
		return true
	}
	return false
}

// Event drives a state transition.
type Event string

const (
	EventIdentityExchange    Event = "identity_exchange"
	EventCapabilityNegotiate Event = "capability_negotiate"
	EventTrustEstablish      Event = "trust_establish"
	EventVerificationFail    Event = "verification_fail"
	EventTimeout             Event = "timeout"
	EventProtocolError       Event = "protocol_error"
)

// transitions is the complete valid edge set.
var transitions = map[State]map[Event]State{
	StateUninitialized: {
		EventIdentityExchange: StateIdentityExchange,
		EventVerificationFail: StateFailedIdentity,
		EventTimeout:          StateFailedTrust,
		EventProtocolError:    StateFailedTrust,
	},
	StateIdentityExchange: {
		EventCapabilityNegotiate: StateCapabilityNegotiation,
		EventVerificationFail:    StateFailedIdentity,
		EventTimeout:             StateFailedTrust,
		EventProtocolError:       StateFailedTrust,
	},
	StateCapabilityNegotiation: {
		EventTrustEstablish:   StateConfirmed,
		EventVerificationFail: StateFailedTrust,
		EventTimeout:          StateFailedTrust,
		EventProtocolError:    StateFailedTrust,
	},
}

// Next returns the state reached from `from` on `event`. The second
// return is false when the edge does not exist (including any event on
// a terminal state).
func Next(from State, event Event) (State, bool) {
	edges, ok := transitions[from]
	if !ok {
		return from, false
	}
	to, ok := edges[event]
	return to, ok
}

// ExpectedMessage returns the only message type the controller accepts
// in the given state.
func ExpectedMessage(s State) (string, bool) {
	switch s {
	case StateUninitialized:
		return "identity_exchange", true
	case StateIdentityExchange:
		return "capability_negotiate", true
	case StateCapabilityNegotiation:
		return "trust_establish", true
	}
	return "", false
}
