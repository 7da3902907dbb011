package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Assignment hands one unit to a session.
type Assignment struct {
	Unit    types.WorkUnit
	Element types.PoolElement
	Request transport.Request
}

// OutcomeKind tells the coordinator how an assignment ended.
type OutcomeKind int

const (
	// Completed means the finalizer arrived and Result holds the tile.
	Completed OutcomeKind = iota
	// Failed means a timeout, a lost connection or a rejected request; the
	// session is Failed and waits for a rebind.
	Failed
	// Abandoned means the assignment was cancelled; the session is Idle again.
	Abandoned
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is reported once per assignment.
//
// A failed outcome with a non-zero Checkpoint holds the partial tile in
// Result: every point before the checkpoint is valid.
type Outcome struct {
	Session    types.SessionID
	Unit       types.UnitID
	Element    types.ElementID
	Kind       OutcomeKind
	Err        error
	Result     []uint32
	Checkpoint types.Checkpoint
	Packets    int
	Duration   time.Duration
}

// Info is a read-only view of a session for presentation.
type Info struct {
	ID          types.SessionID `json:"id"`
	State       State           `json:"state"`
	Element     types.ElementID `json:"element"`
	Unit        types.UnitID    `json:"unit"`
	Busy        bool            `json:"busy"`
	Packets     int             `json:"packets"`
	Status      string          `json:"status"`
	RequestedAt time.Time       `json:"requested_at,omitempty"`
}

type job struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	assign Assignment
}

// session is one concurrent calculation slot. Its worker goroutine is the only
// writer of the Requesting/AwaitingResult transitions; the manager applies
// assign, rebind and recycle while the worker is idle.
type session struct {
	mu          sync.Mutex
	id          types.SessionID
	state       State
	element     types.PoolElement
	unit        types.UnitID
	requestedAt time.Time
	packets     int
	status      string
	cancel      context.CancelCauseFunc

	jobs chan job
}

func newSession(id types.SessionID) *session {
	return &session{
		id:     id,
		state:  StateIdle,
		status: "Idle",
		jobs:   make(chan job, 1),
	}
}

// fireLocked applies ev. s.mu must be held.
func (s *session) fireLocked(ev Event) error {
	next, err := Next(s.state, ev)
	if err != nil {
		return fmt.Errorf("session %d: %w", s.id, err)
	}
	s.state = next
	if !next.Busy() {
		s.cancel = nil
	}
	return nil
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		State:       s.state,
		Element:     s.element.ID,
		Unit:        s.unit,
		Busy:        s.state.Busy(),
		Packets:     s.packets,
		Status:      s.status,
		RequestedAt: s.requestedAt,
	}
}
