package realtime

import "fmt"

// State is a channel's connection state.
//
//	Idle -> Connecting -> Subscribed -> Error -> Connecting (retry)
//	                                         -> Closed (attempts exhausted)
//
// Any state moves to Closed on teardown. Idle is never re-entered.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON health output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("realtime: unknown state %q", text)
}
