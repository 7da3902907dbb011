// ============================================================================
// fractalpool pool registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Live membership of the pool elements a pool user can send work to.
//
// Reads and writes:
//   Writes (Register, Heartbeat, MarkUnreachable, Remove, Sweep, SelectElement)
//   are serialized by mu. After every write the registry publishes an immutable
//   snapshot through an atomic pointer, so ListAvailable and Lookup never block
//   behind a writer. Membership events are queued while mu is held, so every
//   subscriber sees them in write order.
//
// Liveness lease:
//   reachable ──no heartbeat for LeaseTTL──▶ suspected ──2×LeaseTTL──▶ removed
//   any ──MarkUnreachable──▶ unreachable ──Quarantine──▶ removed (dynamic)
//                                                      └▶ suspected (static)
//   A heartbeat always returns an element to reachable.
//
// Selection:
//   Least recently used reachable element outside the exclusion set, ties
//   broken by registration order. Suspected elements are chosen only when no
//   reachable element qualifies. If the exclusion set rules out everything the
//   exclusion is dropped, so a one-element pool still retries its element.
//
// ============================================================================

package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

const (
	DefaultLeaseTTL   = 10 * time.Second
	DefaultQuarantine = 30 * time.Second
)

// Config configures lease handling.
type Config struct {
	LeaseTTL   time.Duration
	Quarantine time.Duration
}

type entry struct {
	element       types.PoolElement
	seq           uint64
	unreachableAt time.Time
}

// Registry is the single owner of pool membership.
type Registry struct {
	mu       sync.Mutex
	elements map[types.ElementID]*entry
	seq      uint64

	snapshot atomic.Pointer[[]types.PoolElement]

	subMu  sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics reports membership gauges to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// New creates an empty registry.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = DefaultQuarantine
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		elements: make(map[types.ElementID]*entry),
		subs:     make(map[uint64]*subscriber),
		cfg:      cfg,
		logger:   logger.Named("registry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publishLocked()
	return r
}

// Register adds an element or refreshes an existing one. New elements start
// reachable. Re-registering keeps the original registration order.
func (r *Registry) Register(elem types.PoolElement) {
	if elem.ID == types.NoElement {
		r.logger.Warn("ignoring element with undefined identifier", zap.String("address", elem.Address))
		return
	}

	r.mu.Lock()
	now := r.now()
	var events []MembershipEvent

	if e, exists := r.elements[elem.ID]; exists {
		prev := e.element.Liveness
		e.element.Address = elem.Address
		e.element.Load = elem.Load
		e.element.Static = e.element.Static || elem.Static
		e.element.LastSeen = now
		e.element.Liveness = types.LivenessReachable
		e.unreachableAt = time.Time{}
		if prev != types.LivenessReachable {
			events = append(events, livenessEvent(e.element, prev))
		}
	} else {
		r.seq++
		elem.Liveness = types.LivenessReachable
		elem.LastSeen = now
		elem.LastUsed = time.Time{}
		r.elements[elem.ID] = &entry{element: elem, seq: r.seq}
		events = append(events, MembershipEvent{Kind: EventJoined, Element: elem})
		r.logger.Info("pool element joined",
			zap.Stringer("element", elem.ID),
			zap.String("address", elem.Address),
			zap.Bool("static", elem.Static))
	}
	r.publishLocked()
	r.broadcast(events)
	r.mu.Unlock()
}

// Heartbeat extends the lease of a known element. It reports false for an
// unknown element, which should register instead.
func (r *Registry) Heartbeat(id types.ElementID, load float64) bool {
	r.mu.Lock()
	e, exists := r.elements[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	prev := e.element.Liveness
	e.element.LastSeen = r.now()
	e.element.Load = load
	e.element.Liveness = types.LivenessReachable
	e.unreachableAt = time.Time{}
	r.publishLocked()
	if prev != types.LivenessReachable {
		r.broadcast([]MembershipEvent{livenessEvent(e.element, prev)})
	}
	r.mu.Unlock()
	return true
}

// MarkUnreachable records a failure signal for an element. It is never
// selected again until it heartbeats or, for static elements, its quarantine
// ends.
func (r *Registry) MarkUnreachable(id types.ElementID) {
	r.mu.Lock()
	e, exists := r.elements[id]
	if !exists || e.element.Liveness == types.LivenessUnreachable {
		r.mu.Unlock()
		return
	}
	prev := e.element.Liveness
	e.element.Liveness = types.LivenessUnreachable
	e.unreachableAt = r.now()
	r.publishLocked()
	r.broadcast([]MembershipEvent{livenessEvent(e.element, prev)})
	r.mu.Unlock()

	r.logger.Warn("pool element unreachable", zap.Stringer("element", id))
}

// Remove deletes an element, e.g. on an explicit withdrawal.
func (r *Registry) Remove(id types.ElementID) {
	r.mu.Lock()
	e, exists := r.elements[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.elements, id)
	r.publishLocked()
	r.broadcast([]MembershipEvent{{Kind: EventLeft, Element: e.element, Previous: e.element.Liveness}})
	r.mu.Unlock()

	r.logger.Info("pool element left", zap.Stringer("element", id))
}

// Lookup returns the current view of one element from the snapshot.
func (r *Registry) Lookup(id types.ElementID) (types.PoolElement, bool) {
	for _, elem := range *r.snapshot.Load() {
		if elem.ID == id {
			return elem, true
		}
	}
	return types.PoolElement{}, false
}

// Elements returns every known element in registration order.
func (r *Registry) Elements() []types.PoolElement {
	snap := *r.snapshot.Load()
	out := make([]types.PoolElement, len(snap))
	copy(out, snap)
	return out
}

// ListAvailable returns the reachable elements in registration order. It
// never blocks.
func (r *Registry) ListAvailable() []types.PoolElement {
	snap := *r.snapshot.Load()
	out := make([]types.PoolElement, 0, len(snap))
	for _, elem := range snap {
		if elem.Liveness == types.LivenessReachable {
			out = append(out, elem)
		}
	}
	return out
}

// SelectElement picks an element for the next request and marks it used.
// It returns types.ErrPoolEmpty when no element is selectable.
func (r *Registry) SelectElement(excluding map[types.ElementID]struct{}) (types.PoolElement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := r.pickLocked(excluding)
	if best == nil && len(excluding) > 0 {
		best = r.pickLocked(nil)
	}
	if best == nil {
		return types.PoolElement{}, types.ErrPoolEmpty
	}

	best.element.LastUsed = r.now()
	r.publishLocked()
	return best.element, nil
}

// pickLocked must be called with mu held.
func (r *Registry) pickLocked(excluding map[types.ElementID]struct{}) *entry {
	var reachable, suspected *entry
	for id, e := range r.elements {
		if _, skip := excluding[id]; skip {
			continue
		}
		switch e.element.Liveness {
		case types.LivenessReachable:
			if reachable == nil || lessRecentlyUsed(e, reachable) {
				reachable = e
			}
		case types.LivenessSuspected:
			if suspected == nil || lessRecentlyUsed(e, suspected) {
				suspected = e
			}
		}
	}
	if reachable != nil {
		return reachable
	}
	return suspected
}

func lessRecentlyUsed(a, b *entry) bool {
	if !a.element.LastUsed.Equal(b.element.LastUsed) {
		return a.element.LastUsed.Before(b.element.LastUsed)
	}
	return a.seq < b.seq
}

// Sweep applies lease expiry and quarantine at time now.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	var events []MembershipEvent
	for id, e := range r.elements {
		elem := &e.element
		switch elem.Liveness {
		case types.LivenessReachable:
			if elem.Static || now.Sub(elem.LastSeen) < r.cfg.LeaseTTL {
				continue
			}
			elem.Liveness = types.LivenessSuspected
			events = append(events, livenessEvent(*elem, types.LivenessReachable))
			r.logger.Warn("pool element lease expired", zap.Stringer("element", id))

		case types.LivenessSuspected:
			if elem.Static || now.Sub(elem.LastSeen) < 2*r.cfg.LeaseTTL {
				continue
			}
			delete(r.elements, id)
			events = append(events, MembershipEvent{Kind: EventLeft, Element: *elem, Previous: elem.Liveness})
			r.logger.Info("pool element expired", zap.Stringer("element", id))

		case types.LivenessUnreachable:
			if now.Sub(e.unreachableAt) < r.cfg.Quarantine {
				continue
			}
			if elem.Static {
				elem.Liveness = types.LivenessSuspected
				e.unreachableAt = time.Time{}
				events = append(events, livenessEvent(*elem, types.LivenessUnreachable))
				continue
			}
			delete(r.elements, id)
			events = append(events, MembershipEvent{Kind: EventLeft, Element: *elem, Previous: elem.Liveness})
			r.logger.Info("pool element removed after quarantine", zap.Stringer("element", id))
		}
	}
	if len(events) > 0 {
		r.publishLocked()
		r.broadcast(events)
	}
	r.mu.Unlock()
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.LeaseTTL / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// publishLocked must be called with mu held.
func (r *Registry) publishLocked() {
	snap := make([]types.PoolElement, 0, len(r.elements))
	order := make(map[types.ElementID]uint64, len(r.elements))
	for id, e := range r.elements {
		snap = append(snap, e.element)
		order[id] = e.seq
	}
	sort.Slice(snap, func(i, j int) bool { return order[snap[i].ID] < order[snap[j].ID] })
	r.snapshot.Store(&snap)

	if r.metrics != nil {
		counts := map[types.Liveness]int{}
		for _, elem := range snap {
			counts[elem.Liveness]++
		}
		for _, l := range []types.Liveness{types.LivenessReachable, types.LivenessSuspected, types.LivenessUnreachable} {
			r.metrics.SetElements(string(l), counts[l])
		}
	}
}
