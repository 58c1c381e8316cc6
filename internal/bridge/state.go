package bridge

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ValidateTransition prüft ob ein Zustandswechsel erlaubt ist
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateDisconnected: {StateConnecting},
		StateConnecting:   {StateRunning, StateTerminated},
		StateRunning:      {StateShuttingDown},
		StateShuttingDown: {StateTerminated},
		StateTerminated:   {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
