package workqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestTiles(n int) []types.Tile {
	tiles := make([]types.Tile, n)
	for i := range tiles {
		tiles[i] = types.Tile{X: i * 10, Y: 0, Width: 10, Height: 10}
	}
	return tiles
}

// assertUnitState asserts the state of one unit
func assertUnitState(t *testing.T, q *Queue, id types.UnitID, want types.UnitState) {
	t.Helper()
	unit, ok := q.Get(id)
	require.True(t, ok, "unit %d not found", id)
	assert.Equal(t, want, unit.State, "unit %d state", id)
}

// assertConsistent asserts the accounting invariant
func assertConsistent(t *testing.T, q *Queue) {
	t.Helper()
	c := q.Counts()
	assert.True(t, c.Consistent(), "counts inconsistent: %+v", c)
}

func assign(t *testing.T, q *Queue, session types.SessionID, element types.ElementID) types.WorkUnit {
	t.Helper()
	unit, ok := q.NextPending()
	require.True(t, ok, "expected a pending unit")
	require.NoError(t, q.MarkAssigned(unit.ID, session, element))
	return unit
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNew(t *testing.T) {
	q := New(newTestTiles(3))

	c := q.Counts()
	assert.Equal(t, types.Counts{Total: 3, Pending: 3}, c)
	for i := 0; i < 3; i++ {
		assertUnitState(t, q, types.UnitID(i), types.UnitPending)
	}
	assert.False(t, q.Done())
}

func TestNewEmptyJobIsDone(t *testing.T) {
	q := New(nil)
	assert.True(t, q.Done())
	_, ok := q.NextPending()
	assert.False(t, ok)
}

func TestNextPendingFIFO(t *testing.T) {
	q := New(newTestTiles(3))

	for want := 0; want < 3; want++ {
		unit := assign(t, q, types.SessionID(want+1), 7)
		assert.Equal(t, types.UnitID(want), unit.ID)
	}
	_, ok := q.NextPending()
	assert.False(t, ok, "queue should be empty")
	assertConsistent(t, q)
}

func TestNextPendingDoesNotMutate(t *testing.T) {
	q := New(newTestTiles(2))

	first, _ := q.NextPending()
	second, _ := q.NextPending()
	assert.Equal(t, first.ID, second.ID)
	assertUnitState(t, q, first.ID, types.UnitPending)
}

func TestMarkAssigned(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Queue)
		unit    types.UnitID
		wantErr error
	}{
		{
			name:  "pending unit",
			setup: func(q *Queue) {},
			unit:  0,
		},
		{
			name:    "unknown unit",
			setup:   func(q *Queue) {},
			unit:    42,
			wantErr: ErrUnitNotFound,
		},
		{
			name:    "already assigned",
			setup:   func(q *Queue) { _ = q.MarkAssigned(0, 1, 5) },
			unit:    0,
			wantErr: ErrNotPending,
		},
		{
			name: "completed unit",
			setup: func(q *Queue) {
				_ = q.MarkAssigned(0, 1, 5)
				_, _ = q.MarkCompleted(0, 1, nil)
			},
			unit:    0,
			wantErr: ErrNotPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(newTestTiles(2))
			tt.setup(q)

			err := q.MarkAssigned(tt.unit, 2, 9)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			unit, _ := q.Get(tt.unit)
			assert.Equal(t, types.UnitAssigned, unit.State)
			assert.Equal(t, types.SessionID(2), unit.Session)
			assert.Equal(t, types.ElementID(9), unit.AssignedElement)
			assert.False(t, unit.AssignedAt.IsZero())
			assertConsistent(t, q)
		})
	}
}

func TestMarkAssignedOutOfOrder(t *testing.T) {
	q := New(newTestTiles(3))

	require.NoError(t, q.MarkAssigned(1, 1, 5))
	next, ok := q.NextPending()
	require.True(t, ok)
	assert.Equal(t, types.UnitID(0), next.ID)
	assert.Equal(t, 2, q.Counts().Pending)
}

func TestMarkCompleted(t *testing.T) {
	q := New(newTestTiles(2))
	unit := assign(t, q, 1, 5)

	accepted, err := q.MarkCompleted(unit.ID, 1, []uint32{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, accepted)
	assertUnitState(t, q, unit.ID, types.UnitCompleted)

	got, _ := q.Get(unit.ID)
	assert.Equal(t, []uint32{1, 2, 3}, got.Result)
	assert.Equal(t, 1, q.Counts().Completed)
	assertConsistent(t, q)
}

func TestMarkCompletedDuplicateIsIdempotent(t *testing.T) {
	q := New(newTestTiles(2))
	unit := assign(t, q, 1, 5)

	_, err := q.MarkCompleted(unit.ID, 1, []uint32{1})
	require.NoError(t, err)
	before := q.Counts()

	for i := 0; i < 3; i++ {
		accepted, err := q.MarkCompleted(unit.ID, 1, []uint32{9, 9})
		require.NoError(t, err)
		assert.False(t, accepted, "duplicate result must be discarded")
	}

	assert.Equal(t, before, q.Counts(), "duplicates must not change counts")
	got, _ := q.Get(unit.ID)
	assert.Equal(t, []uint32{1}, got.Result, "duplicates must not overwrite the result")
}

func TestMarkCompletedStale(t *testing.T) {
	q := New(newTestTiles(1))
	unit := assign(t, q, 1, 5)
	_, err := q.MarkFailedRequeue(unit.ID, 5)
	require.NoError(t, err)

	// late result from the session that lost the unit
	accepted, err := q.MarkCompleted(unit.ID, 1, []uint32{1})
	require.NoError(t, err)
	assert.False(t, accepted)
	assertUnitState(t, q, unit.ID, types.UnitPending)

	// result from a session that never held it
	require.NoError(t, q.MarkAssigned(unit.ID, 2, 6))
	accepted, err = q.MarkCompleted(unit.ID, 3, []uint32{1})
	require.NoError(t, err)
	assert.False(t, accepted)
	assertUnitState(t, q, unit.ID, types.UnitAssigned)
}

func TestMarkCompletedUnknownUnit(t *testing.T) {
	q := New(newTestTiles(1))
	_, err := q.MarkCompleted(99, 1, nil)
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestMarkFailedRequeueAppendsToBack(t *testing.T) {
	q := New(newTestTiles(3))
	unit := assign(t, q, 1, 5)

	attempts, err := q.MarkFailedRequeue(unit.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// never-attempted units are served first
	order := []types.UnitID{}
	for {
		next, ok := q.NextPending()
		if !ok {
			break
		}
		order = append(order, next.ID)
		require.NoError(t, q.MarkAssigned(next.ID, 2, 6))
	}
	assert.Equal(t, []types.UnitID{1, 2, 0}, order)
	assertConsistent(t, q)
}

func TestMarkFailedRequeueRecordsExclusionForNextAttemptOnly(t *testing.T) {
	q := New(newTestTiles(1))
	unit := assign(t, q, 1, 5)

	_, err := q.MarkFailedRequeue(unit.ID, 5)
	require.NoError(t, err)
	got, _ := q.Get(unit.ID)
	assert.Equal(t, types.ElementID(5), got.ExcludedElement)

	require.NoError(t, q.MarkAssigned(unit.ID, 1, 6))
	got, _ = q.Get(unit.ID)
	assert.Equal(t, types.NoElement, got.ExcludedElement)
}

func TestMarkFailedRequeueRequiresAssigned(t *testing.T) {
	q := New(newTestTiles(1))
	_, err := q.MarkFailedRequeue(0, 5)
	assert.ErrorIs(t, err, ErrNotAssigned)
	_, err = q.MarkFailedRequeue(7, 5)
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestFailureNeverLosesUnit(t *testing.T) {
	q := New(newTestTiles(4))

	for round := 0; round < 5; round++ {
		unit := assign(t, q, 1, types.ElementID(round+1))
		_, err := q.MarkFailedRequeue(unit.ID, types.ElementID(round+1))
		require.NoError(t, err)

		got, _ := q.Get(unit.ID)
		assert.Contains(t, []types.UnitState{types.UnitPending, types.UnitAssigned}, got.State)
		assertConsistent(t, q)
	}
}

func TestMarkFailed(t *testing.T) {
	q := New(newTestTiles(2))
	unit := assign(t, q, 1, 5)
	_, err := q.MarkFailedRequeue(unit.ID, 5)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(unit.ID))
	assertUnitState(t, q, unit.ID, types.UnitFailed)
	assert.Equal(t, types.Counts{Total: 2, Pending: 1, Failed: 1}, q.Counts())

	// idempotent
	require.NoError(t, q.MarkFailed(unit.ID))
	assert.Equal(t, 1, q.Counts().Failed)

	// failed units are never served again
	next, ok := q.NextPending()
	require.True(t, ok)
	assert.NotEqual(t, unit.ID, next.ID)
}

func TestRelease(t *testing.T) {
	q := New(newTestTiles(3))
	a := assign(t, q, 1, 5)
	b := assign(t, q, 2, 6)

	require.NoError(t, q.Release(a.ID))
	got, _ := q.Get(a.ID)
	assert.Equal(t, types.UnitPending, got.State)
	assert.Equal(t, 0, got.Attempts, "release must not count an attempt")

	released := q.ReleaseAll()
	assert.Equal(t, []types.UnitID{b.ID}, released)
	assert.Equal(t, types.Counts{Total: 3, Pending: 3}, q.Counts())

	assert.ErrorIs(t, q.Release(a.ID), ErrNotAssigned)
}

func TestUnitsOrdered(t *testing.T) {
	q := New(newTestTiles(5))
	units := q.Units()
	require.Len(t, units, 5)
	for i, unit := range units {
		assert.Equal(t, types.UnitID(i), unit.ID)
	}
}

func TestDoneCountsFailedUnits(t *testing.T) {
	q := New(newTestTiles(2))

	unit := assign(t, q, 1, 7)
	_, err := q.MarkCompleted(unit.ID, 1, make([]uint32, 100))
	require.NoError(t, err)
	assert.False(t, q.Done())

	unit = assign(t, q, 1, 7)
	require.NoError(t, q.MarkFailed(unit.ID))
	assert.True(t, q.Done(), "a failed unit is final too")
}

func TestCheckpoint(t *testing.T) {
	q := New(newTestTiles(1))
	unit := assign(t, q, 1, 7)
	partial := make([]uint32, unit.Tile.Points())
	for i := range partial[:35] {
		partial[i] = uint32(i + 1)
	}

	advanced, err := q.Checkpoint(unit.ID, 1, types.Checkpoint{X: 5, Y: 3}, partial)
	require.NoError(t, err)
	assert.True(t, advanced)

	// progress survives the requeue and is handed to the next attempt
	_, err = q.MarkFailedRequeue(unit.ID, 7)
	require.NoError(t, err)
	next, ok := q.NextPending()
	require.True(t, ok)
	assert.Equal(t, types.Checkpoint{X: 5, Y: 3}, next.Checkpoint)
	assert.Equal(t, partial, next.Partial)

	require.NoError(t, q.MarkAssigned(unit.ID, 2, 8))
	advanced, err = q.Checkpoint(unit.ID, 2, types.Checkpoint{X: 0, Y: 2}, make([]uint32, 100))
	require.NoError(t, err)
	assert.False(t, advanced, "a checkpoint behind the stored one is ignored")

	advanced, err = q.Checkpoint(unit.ID, 1, types.Checkpoint{X: 0, Y: 9}, make([]uint32, 100))
	require.NoError(t, err)
	assert.False(t, advanced, "the old session no longer holds the unit")

	got, _ := q.Get(unit.ID)
	assert.Equal(t, types.Checkpoint{X: 5, Y: 3}, got.Checkpoint)

	accepted, err := q.MarkCompleted(unit.ID, 2, make([]uint32, 100))
	require.NoError(t, err)
	require.True(t, accepted)
	got, _ = q.Get(unit.ID)
	assert.Nil(t, got.Partial, "a completed unit keeps only its result")
}

func TestCheckpointInvalid(t *testing.T) {
	tests := []struct {
		name    string
		cp      types.Checkpoint
		partial int
	}{
		{"x outside the tile", types.Checkpoint{X: 10, Y: 0}, 100},
		{"below the tile", types.Checkpoint{X: 1, Y: 10}, 100},
		{"negative", types.Checkpoint{X: -1, Y: 0}, 100},
		{"short partial", types.Checkpoint{X: 1, Y: 1}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(newTestTiles(1))
			unit := assign(t, q, 1, 7)
			_, err := q.Checkpoint(unit.ID, 1, tt.cp, make([]uint32, tt.partial))
			assert.ErrorIs(t, err, ErrInvalidCheckpoint)
		})
	}

	q := New(newTestTiles(1))
	_, err := q.Checkpoint(42, 1, types.Checkpoint{}, nil)
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestRejectedTransitionsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	q := New(newTestTiles(1), WithLogger(zap.New(core)))

	unit := assign(t, q, 1, 7)
	assert.ErrorIs(t, q.MarkAssigned(unit.ID, 2, 7), ErrNotPending)
	accepted, err := q.MarkCompleted(unit.ID, 2, nil)
	require.NoError(t, err)
	assert.False(t, accepted)

	entries := logs.FilterMessage("transition rejected").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "workqueue", entries[0].LoggerName)
	assert.Equal(t, "assign", entries[0].ContextMap()["op"])
	assert.Equal(t, "complete", entries[1].ContextMap()["op"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["session"])
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentAssignment(t *testing.T) {
	const units = 200
	const sessions = 8
	q := New(newTestTiles(units))

	var (
		mu    sync.Mutex
		owner = make(map[types.UnitID]types.SessionID)
		wg    sync.WaitGroup
	)

	for s := 1; s <= sessions; s++ {
		wg.Add(1)
		go func(session types.SessionID) {
			defer wg.Done()
			for {
				unit, ok := q.NextPending()
				if !ok {
					return
				}
				if err := q.MarkAssigned(unit.ID, session, 1); err != nil {
					continue // another session won the race
				}
				mu.Lock()
				if prev, dup := owner[unit.ID]; dup {
					t.Errorf("unit %d assigned twice (%d and %d)", unit.ID, prev, session)
				}
				owner[unit.ID] = session
				mu.Unlock()

				accepted, err := q.MarkCompleted(unit.ID, session, []uint32{uint32(unit.ID)})
				if err != nil || !accepted {
					t.Errorf("complete unit %d: accepted=%v err=%v", unit.ID, accepted, err)
				}
			}
		}(types.SessionID(s))
	}
	wg.Wait()

	assert.Len(t, owner, units)
	assert.True(t, q.Done())
	assert.Equal(t, fmt.Sprint(types.Counts{Total: units, Completed: units}), fmt.Sprint(q.Counts()))
}
