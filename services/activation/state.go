package activation

// State is the logical progress of one (email, action) activation.
type State string

const (
	StateInvited          State = "invited"
	StateAwaitingPassword State = "awaiting_password"
	StateAwaitingCode     State = "awaiting_code"
	StateActive           State = "active"
	StateExpired          State = "expired"
	StateRevoked          State = "revoked"
	StateFailed           State = "failed"
)

// Terminal reports whether s absorbs every event.
func (s State) Terminal() bool {
	switch s {
	case StateActive, StateExpired, StateRevoked, StateFailed:
		return true
	}
	return false
}

// Event drives Transition.
type Event string

const (
	EventRedeemed           Event = "redeemed"
	EventCredentialAccepted Event = "credential_accepted"
	EventCodeVerified       Event = "code_verified"
	EventExpired            Event = "expired"
	EventRevoked            Event = "revoked"
	EventRejected           Event = "rejected"
)

// States and Events list every value, in flow order.
var (
	States = []State{StateInvited, StateAwaitingPassword, StateAwaitingCode, StateActive, StateExpired, StateRevoked, StateFailed}
	Events = []Event{EventRedeemed, EventCredentialAccepted, EventCodeVerified, EventExpired, EventRevoked, EventRejected}
)

// Transition returns the state after ev. It is defined for every pair: terminal states
// stay put and any out-of-order event fails the flow.
func Transition(s State, ev Event) State {
	if s.Terminal() {
		return s
	}
	switch ev {
	case EventExpired:
		return StateExpired
	case EventRevoked:
		return StateRevoked
	case EventRejected:
		return StateFailed
	}
	switch {
	case s == StateInvited && ev == EventRedeemed:
		return StateAwaitingPassword
	case s == StateAwaitingPassword && ev == EventCredentialAccepted:
		return StateAwaitingCode
	case s == StateAwaitingCode && ev == EventCodeVerified:
		return StateActive
	}
	return StateFailed
}
