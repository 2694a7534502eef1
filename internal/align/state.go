package align

import "fmt"

// State is a phase of one alignment session.
type State string

const (
	StateIdle            State = "idle"
	StatePreConditioning State = "pre-conditioning"
	StateAligning        State = "aligning"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var allowedTransitions = map[State][]State{
	StateIdle:            {StatePreConditioning, StateAligning, StateFailed},
	StatePreConditioning: {StateAligning, StateFailed},
	StateAligning:        {StateSucceeded, StateFailed},
}

// sessionStates tracks the phases visited by one run. Each state is entered at most once.
type sessionStates struct {
	current State
	visited []State
}

func newSessionStates() *sessionStates {
	return &sessionStates{current: StateIdle, visited: []State{StateIdle}}
}

func (s *sessionStates) transition(to State) error {
	for _, v := range s.visited {
		if v == to {
			return fmt.Errorf("state %s already visited", to)
		}
	}
	for _, allowed := range allowedTransitions[s.current] {
		if allowed == to {
			s.current = to
			s.visited = append(s.visited, to)
			return nil
		}
	}
	return fmt.Errorf("transition %s -> %s not allowed", s.current, to)
}

func (s *sessionStates) path() []State {
	out := make([]State, len(s.visited))
	copy(out, s.visited)
	return out
}
