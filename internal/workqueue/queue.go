// ============================================================================
// fractalpool work unit queue
// ============================================================================
//
// Package: internal/workqueue
// File: queue.go
// Purpose: Tracks every work unit of the active job through its lifecycle.
//
// State machine:
//   pending ──MarkAssigned──▶ assigned ──MarkCompleted──▶ completed
//      ▲                         │
//      └──MarkFailedRequeue──────┤        (appended to the back)
//      └──Release────────────────┤        (not the unit's fault, no attempt counted)
//                                └──MarkFailed──▶ failed (retry budget exhausted)
//
//   Checkpoint stores the progress of an assigned unit (resume position and
//   partial points). It survives the requeue, so the next attempt continues
//   where the last element stopped.
//
// Layout:
//   units    map      - single source of truth, indexed by unit ID
//   pending  []UnitID - FIFO; units that never ran come first, requeued units go
//                       to the back so one failing unit cannot starve the others
//   assigned map      - in-flight index
//
// Concurrency:
//   One mutex guards everything, so NextPending / MarkAssigned / MarkCompleted /
//   MarkFailedRequeue are linearized for all sessions. The mutex is never held
//   across network I/O; callers only touch the queue between round trips.
//
// ============================================================================

package workqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var (
	// ErrUnitNotFound is returned for a unit ID that does not belong to the job.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrNotPending is returned when assigning a unit that is not pending.
	ErrNotPending = errors.New("unit not pending")
	// ErrNotAssigned is returned when requeueing or releasing a unit nobody holds.
	ErrNotAssigned = errors.New("unit not assigned")
	// ErrInvalidCheckpoint is returned for progress that does not fit the tile.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger logs rejected transitions to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.Named("workqueue")
	}
}

// Queue holds the pending, in-flight and finished units of one job.
type Queue struct {
	mu        sync.Mutex
	units     map[types.UnitID]*types.WorkUnit
	pending   []types.UnitID
	assigned  map[types.UnitID]*types.WorkUnit
	completed int
	failed    int
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a queue with one pending unit per tile, in tile order.
func New(tiles []types.Tile, opts ...Option) *Queue {
	q := &Queue{
		units:    make(map[types.UnitID]*types.WorkUnit, len(tiles)),
		pending:  make([]types.UnitID, 0, len(tiles)),
		assigned: make(map[types.UnitID]*types.WorkUnit),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	for i, tile := range tiles {
		id := types.UnitID(i)
		q.units[id] = &types.WorkUnit{
			ID:    id,
			Tile:  tile,
			State: types.UnitPending,
		}
		q.pending = append(q.pending, id)
	}
	return q
}

// NextPending returns a copy of the unit at the head of the pending queue
// without changing its state.
func (q *Queue) NextPending() (types.WorkUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return types.WorkUnit{}, false
	}
	return *q.units[q.pending[0]], true
}

// MarkAssigned hands a pending unit to a session bound to element.
// The unit's exclusion hint is consumed by this attempt.
func (q *Queue) MarkAssigned(unitID types.UnitID, sessionID types.SessionID, element types.ElementID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return ErrUnitNotFound
	}
	if unit.State != types.UnitPending {
		q.rejected("assign", unit, zap.Int("session", int(sessionID)))
		return ErrNotPending
	}

	q.removePending(unitID)
	unit.State = types.UnitAssigned
	unit.Session = sessionID
	unit.AssignedElement = element
	unit.ExcludedElement = types.NoElement
	unit.AssignedAt = q.now()
	q.assigned[unitID] = unit
	return nil
}

// MarkCompleted stores the result of an assigned unit.
//
// It returns false without error when the packet is a duplicate (unit already
// completed) or stale (unit no longer held by sessionID); such results are
// discarded and leave the queue untouched.
func (q *Queue) MarkCompleted(unitID types.UnitID, sessionID types.SessionID, result []uint32) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return false, ErrUnitNotFound
	}
	if unit.State != types.UnitAssigned || unit.Session != sessionID {
		q.rejected("complete", unit, zap.Int("session", int(sessionID)))
		return false, nil
	}

	unit.State = types.UnitCompleted
	unit.Result = result
	unit.Partial = nil
	unit.Session = 0
	delete(q.assigned, unitID)
	q.completed++
	return true, nil
}

// MarkFailedRequeue demotes an assigned unit back to pending at the back of the
// queue, remembers failedElement as the exclusion for its next attempt and
// returns the number of failed attempts so far.
func (q *Queue) MarkFailedRequeue(unitID types.UnitID, failedElement types.ElementID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return 0, ErrUnitNotFound
	}
	if unit.State != types.UnitAssigned {
		q.rejected("requeue", unit)
		return unit.Attempts, ErrNotAssigned
	}

	unit.Attempts++
	unit.ExcludedElement = failedElement
	q.requeue(unit)
	return unit.Attempts, nil
}

// MarkFailed moves a unit to the permanent failed state.
func (q *Queue) MarkFailed(unitID types.UnitID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return ErrUnitNotFound
	}
	switch unit.State {
	case types.UnitFailed:
		return nil
	case types.UnitCompleted:
		q.rejected("fail", unit)
		return ErrNotAssigned
	case types.UnitPending:
		q.removePending(unitID)
	case types.UnitAssigned:
		delete(q.assigned, unitID)
	}

	unit.State = types.UnitFailed
	unit.Session = 0
	unit.AssignedElement = types.NoElement
	q.failed++
	return nil
}

// Release returns an assigned unit to pending without counting an attempt.
// Used when the unit did not fail on its own: the job is cancelled, or its
// element left the pool.
func (q *Queue) Release(unitID types.UnitID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return ErrUnitNotFound
	}
	if unit.State != types.UnitAssigned {
		q.rejected("release", unit)
		return ErrNotAssigned
	}
	q.requeue(unit)
	return nil
}

// Checkpoint records the progress of a unit held by sessionID: every point
// before cp is in partial. It reports whether the stored progress advanced;
// a checkpoint behind the stored one, or from a session that no longer holds
// the unit, is ignored.
func (q *Queue) Checkpoint(unitID types.UnitID, sessionID types.SessionID, cp types.Checkpoint, partial []uint32) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return false, ErrUnitNotFound
	}
	if unit.State != types.UnitAssigned || unit.Session != sessionID {
		q.rejected("checkpoint", unit, zap.Int("session", int(sessionID)))
		return false, nil
	}

	tile := unit.Tile
	offset := cp.Offset(tile.Width)
	switch {
	case cp.X < 0 || cp.X >= tile.Width || cp.Y < 0 || offset > tile.Points():
		return false, ErrInvalidCheckpoint
	case len(partial) != tile.Points():
		return false, ErrInvalidCheckpoint
	case offset <= unit.Checkpoint.Offset(tile.Width):
		return false, nil
	}

	unit.Checkpoint = cp
	unit.Partial = partial
	return true, nil
}

// ReleaseAll returns every assigned unit to pending and reports which ones moved.
func (q *Queue) ReleaseAll() []types.UnitID {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := make([]types.UnitID, 0, len(q.assigned))
	for id := range q.assigned {
		released = append(released, id)
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	for _, id := range released {
		q.requeue(q.units[id])
	}
	return released
}

// Counts returns the number of units per state.
func (q *Queue) Counts() types.Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	return types.Counts{
		Total:     len(q.units),
		Pending:   len(q.pending),
		Assigned:  len(q.assigned),
		Completed: q.completed,
		Failed:    q.failed,
	}
}

// Done reports whether every unit reached a final state.
func (q *Queue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed+q.failed == len(q.units)
}

// Get returns a copy of one unit.
func (q *Queue) Get(unitID types.UnitID) (types.WorkUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unit, exists := q.units[unitID]
	if !exists {
		return types.WorkUnit{}, false
	}
	return *unit, true
}

// Units returns copies of all units ordered by ID. Result slices are shared
// and must be treated as read-only.
func (q *Queue) Units() []types.WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.WorkUnit, 0, len(q.units))
	for _, unit := range q.units {
		out = append(out, *unit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rejected must be called with mu held.
func (q *Queue) rejected(op string, unit *types.WorkUnit, fields ...zap.Field) {
	q.logger.Debug("transition rejected", append(fields,
		zap.String("op", op),
		zap.Int("unit", int(unit.ID)),
		zap.String("state", string(unit.State)))...)
}

// requeue must be called with mu held.
func (q *Queue) requeue(unit *types.WorkUnit) {
	delete(q.assigned, unit.ID)
	unit.State = types.UnitPending
	unit.Session = 0
	unit.AssignedElement = types.NoElement
	unit.AssignedAt = time.Time{}
	q.pending = append(q.pending, unit.ID)
}

// removePending must be called with mu held.
func (q *Queue) removePending(unitID types.UnitID) {
	for i, id := range q.pending {
		if id == unitID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
