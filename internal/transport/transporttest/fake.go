// Package transporttest provides a scriptable in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Behavior selects how a fake element answers requests.
type Behavior int

const (
	// Succeed acknowledges and streams the whole tile.
	Succeed Behavior = iota
	// Refuse fails the request as undeliverable.
	Refuse
	// NoAck never acknowledges the request.
	NoAck
	// Silent acknowledges and then never sends a packet.
	Silent
	// FailAfter streams Script.Packets packets and then drops the connection.
	FailAfter
	// Reject refuses the request the way a busy element does.
	Reject
)

// Script describes one fake element.
type Script struct {
	Behavior Behavior
	// Packets is the number of packets sent before a FailAfter drop.
	Packets int
	// PacketDelay is slept before every packet.
	PacketDelay time.Duration
	// Gate, when set, holds every stream before its first packet until the
	// channel is closed.
	Gate <-chan struct{}
	// StaleFirst prepends a packet tagged with a different unit.
	StaleFirst bool
	// Times, when positive, limits Behavior to the first Times requests to the
	// element; later requests succeed.
	Times int
	// ResumeEvery, when positive, sends a resume marker after every
	// ResumeEvery packets and right before a FailAfter drop.
	ResumeEvery int
}

// Call records one request.
type Call struct {
	Element types.ElementID
	Unit    types.UnitID
}

// Fake is an in-memory Transport. Elements without a script succeed.
type Fake struct {
	mu        sync.Mutex
	scripts   map[types.ElementID]Script
	calls     []Call
	points    map[types.ElementID]int
	active    int
	maxActive int
}

// NewFake creates a fake transport.
func NewFake() *Fake {
	return &Fake{
		scripts: make(map[types.ElementID]Script),
		points:  make(map[types.ElementID]int),
	}
}

// Set scripts an element.
func (f *Fake) Set(id types.ElementID, s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = s
}

// Calls returns every request made so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo counts the requests sent to one element.
func (f *Fake) CallsTo(id types.ElementID) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Element == id {
			n++
		}
	}
	return n
}

// PointsFrom counts the points an element has sent.
func (f *Fake) PointsFrom(id types.ElementID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.points[id]
}

// Active returns the number of open streams.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// MaxActive returns the largest number of streams open at once.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Request implements transport.Transport.
func (f *Fake) Request(ctx context.Context, element types.PoolElement, req transport.Request) (transport.Stream, error) {
	f.mu.Lock()
	script := f.scripts[element.ID]
	previous := 0
	for _, c := range f.calls {
		if c.Element == element.ID {
			previous++
		}
	}
	f.calls = append(f.calls, Call{Element: element.ID, Unit: req.UnitID})
	f.mu.Unlock()

	if script.Times > 0 && previous >= script.Times {
		script.Behavior = Succeed
	}

	switch script.Behavior {
	case Refuse:
		return nil, fmt.Errorf("%w: %w: %s refused the connection",
			types.ErrTransportFailure, types.ErrElementUnreachable, element.ID)
	case Reject:
		return nil, fmt.Errorf("%w: %s is busy", types.ErrElementRejected, element.ID)
	case NoAck:
		<-ctx.Done()
		return nil, fmt.Errorf("fake request: %w", context.Cause(ctx))
	}

	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	return &stream{
		fake:    f,
		ctx:     ctx,
		script:  script,
		element: element.ID,
		req:     req,
		stale:   script.StaleFirst,
		offset:  req.Resume.Offset(req.Parameter.Width),
	}, nil
}

type stream struct {
	fake    *Fake
	ctx     context.Context
	script  Script
	element types.ElementID
	req     transport.Request

	gated  bool
	stale  bool
	offset int
	sent   int
	marked int
	final  bool
	closed bool
}

func (s *stream) wait(d time.Duration) error {
	if d <= 0 {
		return s.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *stream) cancelled() error {
	return fmt.Errorf("fake stream: %w", context.Cause(s.ctx))
}

func (s *stream) Recv() (types.Packet, error) {
	if s.final {
		return types.Packet{}, io.EOF
	}
	// a drop without packets happens before the gate
	if s.script.Behavior == FailAfter && s.script.Packets == 0 {
		return types.Packet{}, s.drop()
	}
	if !s.gated && s.script.Gate != nil {
		select {
		case <-s.ctx.Done():
			return types.Packet{}, s.cancelled()
		case <-s.script.Gate:
		}
		s.gated = true
	}
	if s.script.Behavior == Silent {
		<-s.ctx.Done()
		return types.Packet{}, s.cancelled()
	}
	if err := s.wait(s.script.PacketDelay); err != nil {
		return types.Packet{}, s.cancelled()
	}

	if s.stale {
		s.stale = false
		return types.Packet{UnitID: s.req.UnitID + 1000, ElementID: s.element, Points: []uint32{1}}, nil
	}
	if s.script.Behavior == FailAfter && s.sent >= s.script.Packets {
		if s.script.ResumeEvery > 0 && s.marked < s.sent {
			return s.marker(), nil
		}
		return types.Packet{}, s.drop()
	}
	if s.script.ResumeEvery > 0 && s.sent > s.marked && s.sent%s.script.ResumeEvery == 0 {
		return s.marker(), nil
	}

	p := s.req.Parameter
	total := p.Width * p.Height
	if s.offset >= total {
		s.final = true
		return types.Packet{UnitID: s.req.UnitID, ElementID: s.element, Final: true}, nil
	}

	n := total - s.offset
	if n > transport.MaxPoints {
		n = transport.MaxPoints
	}
	pkt := types.Packet{
		UnitID:    s.req.UnitID,
		ElementID: s.element,
		StartX:    s.offset % p.Width,
		StartY:    s.offset / p.Width,
		Points:    make([]uint32, n),
	}
	for i := range pkt.Points {
		at := s.offset + i
		pkt.Points[i] = fractal.Point(p, at%p.Width, at/p.Width)
	}
	s.offset += n
	s.sent++

	s.fake.mu.Lock()
	s.fake.points[s.element] += n
	s.fake.mu.Unlock()
	return pkt, nil
}

// marker reports the position of the next point as a resume marker.
func (s *stream) marker() types.Packet {
	s.marked = s.sent
	cp := types.CheckpointAt(s.offset, s.req.Parameter.Width)
	return types.Packet{UnitID: s.req.UnitID, ElementID: s.element, StartX: cp.X, StartY: cp.Y, Resume: true}
}

func (s *stream) drop() error {
	return fmt.Errorf("%w: %s dropped the connection after %d packets",
		types.ErrTransportFailure, s.element, s.sent)
}

func (s *stream) Close() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.fake.active--
	}
	return nil
}
