package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a calculation session.
type State string

const (
	StateIdle           State = "idle"
	StateRequesting     State = "requesting"
	StateAwaitingResult State = "awaiting_result"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Busy reports whether a session in this state holds a unit.
func (s State) Busy() bool {
	return s == StateRequesting || s == StateAwaitingResult
}

// Event drives a session from one state to the next.
type Event string

const (
	EventAssign         Event = "assign"
	EventAck            Event = "ack"
	EventPacket         Event = "packet"
	EventResult         Event = "result"
	EventTimeout        Event = "timeout"
	EventConnectionLost Event = "connection_lost"
	EventRebind         Event = "rebind"
	EventRecycle        Event = "recycle"
	EventAbandon        Event = "abandon"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid session transition")

// transitions is the complete session state machine. Anything not listed is
// rejected.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventAssign: StateRequesting,
	},
	StateRequesting: {
		EventAck:            StateAwaitingResult,
		EventTimeout:        StateFailed,
		EventConnectionLost: StateFailed,
		EventAbandon:        StateIdle,
	},
	StateAwaitingResult: {
		EventPacket:         StateAwaitingResult,
		EventResult:         StateCompleted,
		EventTimeout:        StateFailed,
		EventConnectionLost: StateFailed,
		EventAbandon:        StateIdle,
	},
	StateCompleted: {
		EventRecycle: StateIdle,
	},
	StateFailed: {
		EventRebind: StateIdle,
	},
}

// Next returns the state reached from s on ev.
func Next(s State, ev Event) (State, error) {
	if next, ok := transitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
}
