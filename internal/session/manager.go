// ============================================================================
// fractalpool session manager
// ============================================================================
//
// Package: internal/session
// File: manager.go
// Purpose: Runs N calculation sessions, each a persistent worker goroutine that
//          talks to one pool element at a time.
//
// Architecture:
//   ┌─────────────┐
//   │ Coordinator │ --Dispatch()--> session.jobs (buffer 1 per session)
//   └─────────────┘
//         ▲
//     Outcomes()
//         │
//   ┌──────────────────────────────┐
//   │ Manager                      │
//   │  session 1 ── Request/Recv ──┼──▶ element $0000000a
//   │  session 2 ── Request/Recv ──┼──▶ element $0000000b
//   │  ...                         │
//   └──────────────────────────────┘
//
// Timeouts:
//   Every assignment runs under its own context.WithCancelCause. A watchdog
//   (time.AfterFunc) cancels it with types.ErrRequestTimeout when the element
//   does not acknowledge within SendTimeout, and after the ack when no packet
//   arrives within RecvTimeout. AbortElement and AbortAll cancel the same
//   context with their own cause, so the outcome tells a timeout, a withdrawn
//   element and a cancelled job apart.
//
// Resume:
//   The session keeps the last resume marker of its element. A failed outcome
//   carries that checkpoint and the points received so far; the next attempt
//   starts from both.
//
// Outcomes:
//   Exactly one Outcome per Dispatch. The outcome channel holds one slot per
//   session, so workers never wait on a coordinator that is busy.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var (
	// ErrManagerClosed is returned after Close and used as the cancellation
	// cause of in-flight assignments.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrNotOpen is returned when dispatching before Open.
	ErrNotOpen = errors.New("session manager not open")
	// ErrUnknownSession is returned for a session ID outside 1..Sessions.
	ErrUnknownSession = errors.New("unknown session")
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultRecvTimeout = 5 * time.Second
)

// Config sizes the manager and its per-request deadlines.
type Config struct {
	Sessions    int
	SendTimeout time.Duration
	RecvTimeout time.Duration
}

// Manager owns the calculation sessions of one pool user.
type Manager struct {
	transport transport.Transport
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Collector

	sessions []*session
	outcomes chan Outcome
	busyMu   sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewManager creates cfg.Sessions idle sessions. collector may be nil.
func NewManager(tr transport.Transport, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Manager {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		transport: tr,
		cfg:       cfg,
		logger:    logger.Named("session"),
		metrics:   collector,
		sessions:  make([]*session, 0, cfg.Sessions),
		outcomes:  make(chan Outcome, cfg.Sessions),
	}
	for i := 0; i < cfg.Sessions; i++ {
		m.sessions = append(m.sessions, newSession(types.SessionID(i+1)))
	}
	return m
}

// Open starts one worker goroutine per session. Closing ctx behaves like Close
// without waiting.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("session manager already open")
	}
	m.ctx, m.cancel = context.WithCancelCause(ctx)
	for _, s := range m.sessions {
		m.wg.Add(1)
		go func(s *session) {
			defer m.wg.Done()
			m.run(s)
		}(s)
	}
	m.started = true
	m.logger.Debug("sessions opened", zap.Int("sessions", len(m.sessions)))
	return nil
}

// Close cancels every in-flight assignment and waits for the workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel(ErrManagerClosed)
	m.wg.Wait()
}

// Size returns the number of sessions.
func (m *Manager) Size() int { return len(m.sessions) }

// Outcomes delivers one Outcome per dispatched assignment.
func (m *Manager) Outcomes() <-chan Outcome { return m.outcomes }

// Dispatch moves an idle session to Requesting and hands it the assignment.
func (m *Manager) Dispatch(id types.SessionID, a Assignment) error {
	m.mu.Lock()
	base, started, stopped := m.ctx, m.started, m.stopped
	m.mu.Unlock()
	switch {
	case stopped:
		return ErrManagerClosed
	case !started:
		return ErrNotOpen
	}

	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.fireLocked(EventAssign); err != nil {
		s.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancelCause(base)
	s.cancel = cancel
	s.element = a.Element
	s.unit = a.Unit.ID
	s.requestedAt = time.Now()
	s.packets = 0
	s.status = fmt.Sprintf("Requesting unit %d from PE %s", a.Unit.ID, a.Element.ID)
	s.mu.Unlock()

	// an idle session's worker has already taken its previous job
	s.jobs <- job{ctx: ctx, cancel: cancel, assign: a}
	m.updateBusy()
	return nil
}

// AbortElement cancels every assignment bound to element and returns how many
// were running.
func (m *Manager) AbortElement(element types.ElementID, cause error) int {
	n := 0
	for _, s := range m.sessions {
		if s.abortIf(cause, func(s *session) bool { return s.element.ID == element }) {
			n++
		}
	}
	return n
}

// AbortAll cancels every running assignment.
func (m *Manager) AbortAll(cause error) int {
	n := 0
	for _, s := range m.sessions {
		if s.abortIf(cause, func(*session) bool { return true }) {
			n++
		}
	}
	return n
}

// Rebind returns a Failed session to Idle, bound to element. A zero element
// leaves the session unbound.
func (m *Manager) Rebind(id types.SessionID, element types.PoolElement) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fireLocked(EventRebind); err != nil {
		return err
	}
	s.element = element
	if element.ID == types.NoElement {
		s.status = "Idle"
	} else {
		s.status = fmt.Sprintf("Idle, bound to PE %s", element.ID)
	}
	return nil
}

// Recycle returns a Completed session to Idle and unbinds it, so the next
// assignment selects a fresh element.
func (m *Manager) Recycle(id types.SessionID) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fireLocked(EventRecycle); err != nil {
		return err
	}
	s.element = types.PoolElement{}
	return nil
}

// Bound returns the element a session is bound to.
func (m *Manager) Bound(id types.SessionID) (types.PoolElement, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return types.PoolElement{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.element, s.element.ID != types.NoElement
}

// Idle lists the idle sessions in ID order.
func (m *Manager) Idle() []types.SessionID {
	var ids []types.SessionID
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.state == StateIdle {
			ids = append(ids, s.id)
		}
		s.mu.Unlock()
	}
	return ids
}

// Busy counts the sessions holding a unit.
func (m *Manager) Busy() int {
	n := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.state.Busy() {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Sessions returns a snapshot of every session.
func (m *Manager) Sessions() []Info {
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

func (m *Manager) lookup(id types.SessionID) (*session, error) {
	if id < 1 || int(id) > len(m.sessions) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return m.sessions[id-1], nil
}

// updateBusy is serialized so the gauge never ends on a stale count.
func (m *Manager) updateBusy() {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	m.metrics.SetBusySessions(m.Busy())
}

func (m *Manager) run(s *session) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-s.jobs:
			out := m.execute(s, j)
			m.updateBusy()
			select {
			case m.outcomes <- out:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// execute performs one request/response round trip.
func (m *Manager) execute(s *session, j job) Outcome {
	defer j.cancel(nil)

	a := j.assign
	tile := a.Unit.Tile
	out := Outcome{Session: s.id, Unit: a.Unit.ID, Element: a.Element.ID}
	log := m.logger.With(
		zap.Int("session", int(s.id)),
		zap.Int("unit", int(a.Unit.ID)),
		zap.Stringer("element", a.Element.ID))

	watchdog := time.AfterFunc(m.cfg.SendTimeout, func() { j.cancel(types.ErrRequestTimeout) })
	defer watchdog.Stop()

	start := time.Now()
	stream, err := m.transport.Request(j.ctx, a.Element, a.Request)
	if err != nil {
		return m.fail(s, j.ctx, out, err, start, log)
	}
	defer stream.Close()

	watchdog.Reset(m.cfg.RecvTimeout)
	s.mu.Lock()
	if err := s.fireLocked(EventAck); err != nil {
		s.mu.Unlock()
		log.Error("ack rejected", zap.Error(err))
		return m.fail(s, j.ctx, out, fmt.Errorf("%w: %v", types.ErrTransportFailure, err), start, log)
	}
	s.status = fmt.Sprintf("Request acknowledged by PE %s", a.Element.ID)
	s.mu.Unlock()
	log.Debug("request acknowledged", zap.Duration("after", time.Since(start)))

	// a resumed unit starts from the points of its earlier attempts
	result := make([]uint32, tile.Points())
	copy(result, a.Unit.Partial)
	out.Checkpoint = a.Request.Resume
	for {
		pkt, err := stream.Recv()
		if err != nil {
			if !out.Checkpoint.IsZero() {
				out.Result = result
			}
			return m.fail(s, j.ctx, out, err, start, log)
		}
		if pkt.UnitID != a.Unit.ID {
			m.discard(log, fmt.Errorf("%w: packet for unit %d", types.ErrStalePacket, pkt.UnitID))
			continue
		}
		watchdog.Reset(m.cfg.RecvTimeout)

		if pkt.Resume {
			cp := types.Checkpoint{X: pkt.StartX, Y: pkt.StartY}
			offset := cp.Offset(tile.Width)
			if pkt.StartX < 0 || pkt.StartX >= tile.Width || offset < out.Checkpoint.Offset(tile.Width) || offset > len(result) {
				m.discard(log, fmt.Errorf("%w: resume marker at (%d,%d) in %dx%d",
					types.ErrStalePacket, pkt.StartX, pkt.StartY, tile.Width, tile.Height))
				continue
			}
			out.Checkpoint = cp
			continue
		}

		if pkt.Final {
			s.mu.Lock()
			if err := s.fireLocked(EventResult); err != nil {
				s.mu.Unlock()
				return m.fail(s, j.ctx, out, fmt.Errorf("%w: %v", types.ErrTransportFailure, err), start, log)
			}
			out.Packets = s.packets
			s.status = fmt.Sprintf("Completed unit %d on PE %s", a.Unit.ID, pkt.ElementID)
			s.mu.Unlock()

			out.Kind = Completed
			out.Result = result
			out.Duration = time.Since(start)
			log.Debug("unit completed", zap.Int("packets", out.Packets), zap.Duration("duration", out.Duration))
			return out
		}

		offset := pkt.StartY*tile.Width + pkt.StartX
		if pkt.StartX < 0 || pkt.StartX >= tile.Width || pkt.StartY < 0 || pkt.StartY >= tile.Height ||
			offset+len(pkt.Points) > len(result) {
			m.discard(log, fmt.Errorf("%w: packet at (%d,%d) with %d points outside %dx%d",
				types.ErrStalePacket, pkt.StartX, pkt.StartY, len(pkt.Points), tile.Width, tile.Height))
			continue
		}
		copy(result[offset:], pkt.Points)

		s.mu.Lock()
		_ = s.fireLocked(EventPacket)
		s.packets++
		s.status = fmt.Sprintf("Processed packet #%d of PE %s", s.packets, pkt.ElementID)
		s.mu.Unlock()
	}
}

func (m *Manager) discard(log *zap.Logger, err error) {
	m.metrics.RecordDiscarded()
	log.Debug("packet discarded", zap.Error(err))
}

// fail maps err and the cancellation cause to the session event and the
// outcome reported to the coordinator.
func (m *Manager) fail(s *session, ctx context.Context, out Outcome, err error, start time.Time, log *zap.Logger) Outcome {
	cause := context.Cause(ctx)

	var ev Event
	out.Kind = Failed
	switch {
	case errors.Is(cause, types.ErrRequestTimeout) || errors.Is(err, types.ErrRequestTimeout):
		ev = EventTimeout
		if !errors.Is(err, types.ErrRequestTimeout) {
			err = fmt.Errorf("%w: %v", types.ErrRequestTimeout, err)
		}
	case errors.Is(cause, types.ErrTransportFailure):
		ev = EventConnectionLost
		if !errors.Is(err, cause) {
			err = cause
		}
	case cause != nil:
		ev = EventAbandon
		out.Kind = Abandoned
		err = cause
	default:
		ev = EventConnectionLost
		if !errors.Is(err, types.ErrTransportFailure) && !errors.Is(err, types.ErrElementRejected) {
			err = fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		}
	}

	s.mu.Lock()
	if ferr := s.fireLocked(ev); ferr != nil {
		log.Error("failure transition rejected", zap.Error(ferr))
	}
	out.Packets = s.packets
	if out.Kind == Abandoned {
		s.status = "Idle"
	} else {
		s.status = fmt.Sprintf("Failed on PE %s: %v", out.Element, err)
	}
	s.mu.Unlock()

	out.Err = err
	out.Duration = time.Since(start)
	if out.Kind == Abandoned {
		log.Debug("unit abandoned", zap.Error(err))
	} else {
		log.Warn("session failed", zap.String("event", string(ev)), zap.Int("packets", out.Packets), zap.Error(err))
	}
	return out
}

// abortIf cancels the running assignment when match holds.
func (s *session) abortIf(cause error, match func(*session) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Busy() || s.cancel == nil || !match(s) {
		return false
	}
	s.cancel(cause)
	return true
}
