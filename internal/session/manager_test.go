package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/internal/transport/transporttest"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

func newTestManager(t *testing.T, tr transport.Transport, cfg Config) (*Manager, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewManager(tr, cfg, zap.NewNop(), metrics.NewCollector(reg))
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(m.Close)
	return m, reg
}

// metricValue sums every sample of the named family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	sum := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}

func assignment(unit types.UnitID, elem types.ElementID, tile types.Tile) Assignment {
	p := fractal.DefaultParameter(64, 64)
	p.Algorithm = types.AlgorithmTest
	return Assignment{
		Unit:    types.WorkUnit{ID: unit, Tile: tile, State: types.UnitAssigned},
		Element: types.PoolElement{ID: elem, Liveness: types.LivenessReachable},
		Request: transport.Request{UnitID: unit, Tile: tile, Parameter: fractal.TileParameter(p, tile)},
	}
}

func nextOutcome(t *testing.T, m *Manager) Outcome {
	t.Helper()
	select {
	case out := <-m.Outcomes():
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func sessionInfo(m *Manager, id types.SessionID) Info {
	return m.Sessions()[id-1]
}

func TestDispatchCompletes(t *testing.T) {
	fake := transporttest.NewFake()
	m, _ := newTestManager(t, fake, Config{Sessions: 2})
	tile := types.Tile{Width: 40, Height: 20}

	require.NoError(t, m.Dispatch(1, assignment(3, 0xa, tile)))
	out := nextOutcome(t, m)

	assert.Equal(t, Completed, out.Kind)
	assert.NoError(t, out.Err)
	assert.Equal(t, types.SessionID(1), out.Session)
	assert.Equal(t, types.UnitID(3), out.Unit)
	assert.Equal(t, types.ElementID(0xa), out.Element)
	require.Len(t, out.Result, tile.Points())
	for y := 0; y < tile.Height; y++ {
		for x := 0; x < tile.Width; x++ {
			assert.Equal(t, uint32((x*y)%256), out.Result[y*tile.Width+x])
		}
	}
	// 800 points in 324-point packets
	assert.Equal(t, 3, out.Packets)

	info := sessionInfo(m, 1)
	assert.Equal(t, StateCompleted, info.State)
	assert.Equal(t, "Completed unit 3 on PE $0000000a", info.Status)

	require.NoError(t, m.Recycle(1))
	assert.Equal(t, []types.SessionID{1, 2}, m.Idle())
	_, ok := m.Bound(1)
	assert.False(t, ok, "a recycled session selects a fresh element next time")
	assert.Equal(t, "Completed unit 3 on PE $0000000a", sessionInfo(m, 1).Status)
}

func TestDispatchRejectsBusySession(t *testing.T) {
	fake := transporttest.NewFake()
	gate := make(chan struct{})
	fake.Set(0xa, transporttest.Script{Gate: gate})
	m, _ := newTestManager(t, fake, Config{Sessions: 1})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	err := m.Dispatch(1, assignment(2, 0xa, types.Tile{Width: 8, Height: 8}))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, m.Busy())

	close(gate)
	assert.Equal(t, Completed, nextOutcome(t, m).Kind)
	assert.Equal(t, 0, m.Busy())
}

func TestDispatchUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, transporttest.NewFake(), Config{Sessions: 1})
	assert.ErrorIs(t, m.Dispatch(2, assignment(1, 1, types.Tile{Width: 1, Height: 1})), ErrUnknownSession)
	assert.ErrorIs(t, m.Dispatch(0, assignment(1, 1, types.Tile{Width: 1, Height: 1})), ErrUnknownSession)
}

func TestDispatchBeforeOpenAndAfterClose(t *testing.T) {
	m := NewManager(transporttest.NewFake(), Config{Sessions: 1}, zap.NewNop(), nil)
	assert.ErrorIs(t, m.Dispatch(1, assignment(1, 1, types.Tile{Width: 1, Height: 1})), ErrNotOpen)

	require.NoError(t, m.Open(context.Background()))
	m.Close()
	assert.ErrorIs(t, m.Dispatch(1, assignment(1, 1, types.Tile{Width: 1, Height: 1})), ErrManagerClosed)
}

func TestStalePacketsDiscarded(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{StaleFirst: true})
	m, reg := newTestManager(t, fake, Config{Sessions: 1})

	require.NoError(t, m.Dispatch(1, assignment(5, 0xa, types.Tile{Width: 10, Height: 10})))
	out := nextOutcome(t, m)

	assert.Equal(t, Completed, out.Kind)
	assert.Equal(t, 1, out.Packets, "the packet for another unit is not counted")
	assert.Equal(t, float64(1), metricValue(t, reg, "fractalpool_packets_discarded_total"))
}

func TestSendTimeout(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.NoAck})
	m, _ := newTestManager(t, fake, Config{Sessions: 1, SendTimeout: 50 * time.Millisecond})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	out := nextOutcome(t, m)

	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, types.ErrRequestTimeout)
	assert.Equal(t, StateFailed, sessionInfo(m, 1).State)
}

func TestRecvTimeout(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.Silent})
	m, _ := newTestManager(t, fake, Config{Sessions: 1, RecvTimeout: 50 * time.Millisecond})

	start := time.Now()
	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	out := nextOutcome(t, m)

	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, types.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRecvTimeoutResetsOnPackets(t *testing.T) {
	fake := transporttest.NewFake()
	// six packets, each well inside the receive deadline but longer in total
	fake.Set(0xa, transporttest.Script{PacketDelay: 30 * time.Millisecond})
	m, _ := newTestManager(t, fake, Config{Sessions: 1, RecvTimeout: 100 * time.Millisecond})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 40, Height: 40})))
	out := nextOutcome(t, m)

	assert.Equal(t, Completed, out.Kind)
	assert.Greater(t, out.Duration, 100*time.Millisecond)
}

func TestConnectionLost(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.FailAfter, Packets: 2})
	fake.Set(0xb, transporttest.Script{Behavior: transporttest.Refuse})
	m, _ := newTestManager(t, fake, Config{Sessions: 2})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 64, Height: 64})))
	require.NoError(t, m.Dispatch(2, assignment(2, 0xb, types.Tile{Width: 64, Height: 64})))

	for i := 0; i < 2; i++ {
		out := nextOutcome(t, m)
		assert.Equal(t, Failed, out.Kind)
		assert.ErrorIs(t, out.Err, types.ErrTransportFailure)
		if out.Unit == 1 {
			assert.Equal(t, 2, out.Packets)
		}
	}
	assert.Equal(t, StateFailed, sessionInfo(m, 1).State)
	assert.Contains(t, sessionInfo(m, 1).Status, "Failed on PE $0000000a")

	// a failed session waits for a rebind
	assert.ErrorIs(t, m.Dispatch(1, assignment(3, 0xa, types.Tile{Width: 8, Height: 8})), ErrInvalidTransition)
	require.NoError(t, m.Rebind(1, types.PoolElement{ID: 0xc}))
	elem, ok := m.Bound(1)
	assert.True(t, ok)
	assert.Equal(t, types.ElementID(0xc), elem.ID)

	require.NoError(t, m.Rebind(2, types.PoolElement{}))
	_, ok = m.Bound(2)
	assert.False(t, ok)
	assert.Equal(t, []types.SessionID{1, 2}, m.Idle())
}

func TestRejectedRequest(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.Reject})
	m, _ := newTestManager(t, fake, Config{Sessions: 1})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	out := nextOutcome(t, m)

	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, types.ErrElementRejected)
	assert.False(t, errors.Is(out.Err, types.ErrTransportFailure), "a rejection is not a connection problem")
	assert.Equal(t, StateFailed, sessionInfo(m, 1).State)
}

func TestFailureKeepsResumeCheckpoint(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.FailAfter, Packets: 3, ResumeEvery: 2})
	m, _ := newTestManager(t, fake, Config{Sessions: 1})
	tile := types.Tile{Width: 64, Height: 64}

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, tile)))
	out := nextOutcome(t, m)

	require.Equal(t, Failed, out.Kind)
	assert.Equal(t, 3, out.Packets, "resume markers are not data packets")
	assert.Equal(t, types.CheckpointAt(3*transport.MaxPoints, tile.Width), out.Checkpoint,
		"the marker sent before the drop wins")
	require.Len(t, out.Result, tile.Points())
	for i := 0; i < out.Checkpoint.Offset(tile.Width); i++ {
		x, y := i%tile.Width, i/tile.Width
		if !assert.Equal(t, uint32((x*y)%256), out.Result[i], "point %d", i) {
			break
		}
	}
}

func TestFailureWithoutMarkerStartsOver(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.FailAfter, Packets: 2})
	m, _ := newTestManager(t, fake, Config{Sessions: 1})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 64, Height: 64})))
	out := nextOutcome(t, m)

	assert.Equal(t, Failed, out.Kind)
	assert.True(t, out.Checkpoint.IsZero())
	assert.Nil(t, out.Result, "nothing is kept without a marker")
}

func TestResumedAssignment(t *testing.T) {
	fake := transporttest.NewFake()
	m, _ := newTestManager(t, fake, Config{Sessions: 1})
	tile := types.Tile{Width: 40, Height: 20}

	a := assignment(2, 0xb, tile)
	a.Request.Resume = types.Checkpoint{X: 0, Y: 15}
	resumeAt := a.Request.Resume.Offset(tile.Width)
	a.Unit.Checkpoint = a.Request.Resume
	a.Unit.Partial = make([]uint32, tile.Points())
	for i := 0; i < resumeAt; i++ {
		a.Unit.Partial[i] = uint32(((i % tile.Width) * (i / tile.Width)) % 256)
	}

	require.NoError(t, m.Dispatch(1, a))
	out := nextOutcome(t, m)

	require.Equal(t, Completed, out.Kind)
	assert.Equal(t, tile.Points()-resumeAt, fake.PointsFrom(0xb), "only the last rows are sent")
	for y := 0; y < tile.Height; y++ {
		for x := 0; x < tile.Width; x++ {
			assert.Equal(t, uint32((x*y)%256), out.Result[y*tile.Width+x])
		}
	}
}

func TestAbortElement(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.Silent})
	fake.Set(0xb, transporttest.Script{Behavior: transporttest.Silent})
	m, _ := newTestManager(t, fake, Config{Sessions: 3, RecvTimeout: time.Minute})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	require.NoError(t, m.Dispatch(2, assignment(2, 0xb, types.Tile{Width: 8, Height: 8})))
	require.NoError(t, m.Dispatch(3, assignment(3, 0xa, types.Tile{Width: 8, Height: 8})))

	cause := errors.Join(types.ErrTransportFailure, types.ErrElementWithdrawn, errors.New("element $0000000a left the pool"))
	assert.Equal(t, 2, m.AbortElement(0xa, cause))

	for i := 0; i < 2; i++ {
		out := nextOutcome(t, m)
		assert.Equal(t, Failed, out.Kind)
		assert.Equal(t, types.ElementID(0xa), out.Element)
		assert.ErrorIs(t, out.Err, types.ErrTransportFailure)
		assert.ErrorIs(t, out.Err, types.ErrElementWithdrawn, "the abort cause survives")
	}
	assert.Equal(t, 1, m.Busy(), "the session on the other element keeps running")
	assert.Equal(t, 0, m.AbortElement(0xa, cause))
}

func TestAbortAllAbandons(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.Silent})
	fake.Set(0xb, transporttest.Script{Behavior: transporttest.NoAck})
	m, _ := newTestManager(t, fake, Config{Sessions: 2, SendTimeout: time.Minute, RecvTimeout: time.Minute})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	require.NoError(t, m.Dispatch(2, assignment(2, 0xb, types.Tile{Width: 8, Height: 8})))
	assert.Equal(t, 2, m.AbortAll(types.ErrJobCancelled))

	for i := 0; i < 2; i++ {
		out := nextOutcome(t, m)
		assert.Equal(t, Abandoned, out.Kind)
		assert.ErrorIs(t, out.Err, types.ErrJobCancelled)
	}
	assert.Equal(t, []types.SessionID{1, 2}, m.Idle(), "abandoned sessions are idle again")
	assert.Equal(t, 0, m.AbortAll(types.ErrJobCancelled))
}

func TestCloseAbandonsInFlight(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Set(0xa, transporttest.Script{Behavior: transporttest.Silent})
	m := NewManager(fake, Config{Sessions: 1, RecvTimeout: time.Minute}, zap.NewNop(), nil)
	require.NoError(t, m.Open(context.Background()))
	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))

	assert.Eventually(t, func() bool { return fake.Active() == 1 }, time.Second, 5*time.Millisecond)
	m.Close()
	assert.Equal(t, 0, fake.Active(), "streams are closed when the manager stops")
}

func TestBusySessionsGauge(t *testing.T) {
	fake := transporttest.NewFake()
	gate := make(chan struct{})
	fake.Set(0xa, transporttest.Script{Gate: gate})
	m, reg := newTestManager(t, fake, Config{Sessions: 3})

	require.NoError(t, m.Dispatch(1, assignment(1, 0xa, types.Tile{Width: 8, Height: 8})))
	require.NoError(t, m.Dispatch(2, assignment(2, 0xa, types.Tile{Width: 8, Height: 8})))
	assert.Equal(t, float64(2), metricValue(t, reg, "fractalpool_sessions_busy"))

	close(gate)
	nextOutcome(t, m)
	nextOutcome(t, m)
	assert.Equal(t, float64(0), metricValue(t, reg, "fractalpool_sessions_busy"))
}
