package session

import "sync"

type State int

const (
	StateIdle State = iota
	StateListening
	StateGenerating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateGenerating:
		return "GENERATING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// InvalidTransitionError reports a transition the table does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine is the per-call lifecycle: IDLE (socket open, no start
// frame yet) → LISTENING (transcriber live) → GENERATING (reply cycle
// in flight) → LISTENING, with CLOSED terminal from any state.
type stateMachine struct {
	mu      sync.Mutex
	current State
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening, StateClosed},
	StateListening:  {StateGenerating, StateClosed},
	StateGenerating: {StateListening, StateClosed},
	StateClosed:     {},
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle}
}

func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *stateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range validTransitions[m.current] {
		if allowed == to {
			m.current = to
			return nil
		}
	}
	return &InvalidTransitionError{From: m.current, To: to}
}

// ForceClose moves to CLOSED from any state. Closing an already closed
// machine is a no-op so duplicate teardown stays idempotent.
func (m *stateMachine) ForceClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = StateClosed
}
