// ============================================================================
// fractalpool failover controller
// ============================================================================
//
// Package: internal/failover
// File: controller.go
// Purpose: Decides what happens to a unit and its session after a failure.
//
// On a failed session:
//   1. the progress of the attempt (resume checkpoint and partial points) is
//      stored with the unit
//   2. the unit goes back to pending (queue back) with the failed element as
//      its exclusion for the next attempt
//   3. only a request that could not be delivered marks the element
//      unreachable in the registry; a dropped stream, a timeout or a busy
//      element is excluded for this unit only
//   4. a unit that failed more than MaxRetries times is escalated to failed
//   5. otherwise a replacement element is selected and the session rebound
//      to it; a move to another element is recorded as a failover
//
// Membership:
//   An element that leaves or turns unreachable aborts the sessions bound to
//   it with types.ErrElementWithdrawn. Their units are released without
//   counting an attempt and continue on a replacement. An element that
//   becomes available wakes sessions waiting for one.
//
// The controller holds no goroutines. The coordinator calls it from its loop,
// which keeps the decisions testable without a network.
//
// ============================================================================

package failover

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/registry"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// DefaultMaxRetries is the retry budget per unit.
const DefaultMaxRetries = 3

// Pool is the part of the registry the controller uses.
type Pool interface {
	SelectElement(excluding map[types.ElementID]struct{}) (types.PoolElement, error)
	Lookup(id types.ElementID) (types.PoolElement, bool)
	MarkUnreachable(id types.ElementID)
}

// Units is the part of the work unit queue the controller uses.
type Units interface {
	Checkpoint(unit types.UnitID, session types.SessionID, cp types.Checkpoint, partial []uint32) (bool, error)
	MarkFailedRequeue(unit types.UnitID, failedElement types.ElementID) (int, error)
	Release(unit types.UnitID) error
	MarkFailed(unit types.UnitID) error
	Get(unit types.UnitID) (types.WorkUnit, bool)
}

// Sessions is the part of the session manager the controller uses.
type Sessions interface {
	AbortElement(element types.ElementID, cause error) int
}

// Config configures a Controller.
type Config struct {
	// MaxRetries is the number of failed attempts a unit may have before it is
	// escalated. Zero means DefaultMaxRetries; negative escalates on the
	// first failure.
	MaxRetries int
	Backoff    RetryStrategy
}

// Failure describes one failed assignment. Checkpoint and Partial carry the
// progress the element reported before it failed.
type Failure struct {
	Unit       types.UnitID
	Session    types.SessionID
	Element    types.ElementID
	Err        error
	Checkpoint types.Checkpoint
	Partial    []uint32
}

// Controller applies the failover policy for one job.
type Controller struct {
	cfg      Config
	pool     Pool
	units    Units
	sessions Sessions
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu        sync.Mutex
	failovers []types.Failover
	emptyRuns int
}

// New creates a controller. collector may be nil.
func New(cfg Config, pool Pool, units Units, sessions Sessions, logger *zap.Logger, collector *metrics.Collector) *Controller {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		pool:     pool,
		units:    units,
		sessions: sessions,
		logger:   logger.Named("failover"),
		metrics:  collector,
		now:      time.Now,
	}
}

// Reason names the failure class for logs, metrics and the failover record.
func Reason(err error) string {
	switch {
	case errors.Is(err, types.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, types.ErrElementWithdrawn):
		return "element_lost"
	case errors.Is(err, types.ErrElementUnreachable):
		return "unreachable"
	case errors.Is(err, types.ErrElementRejected):
		return "rejected"
	case errors.Is(err, types.ErrTransportFailure):
		return "connection_lost"
	default:
		return "error"
	}
}

// HandleFailure requeues the unit of a failed session and returns the element
// the session should be rebound to.
//
// It returns an error wrapping types.ErrUnitRetryExhausted when the unit was
// escalated, and types.ErrPoolEmpty when no replacement exists; in both cases
// the session should be rebound unbound.
func (c *Controller) HandleFailure(f Failure) (types.PoolElement, error) {
	reason := Reason(f.Err)
	log := c.logger.With(
		zap.Int("unit", int(f.Unit)),
		zap.Int("session", int(f.Session)),
		zap.Stringer("element", f.Element),
		zap.String("reason", reason))

	if !f.Checkpoint.IsZero() {
		advanced, err := c.units.Checkpoint(f.Unit, f.Session, f.Checkpoint, f.Partial)
		switch {
		case err != nil:
			log.Warn("progress not kept", zap.Error(err))
		case advanced:
			log.Debug("progress kept", zap.Int("x", f.Checkpoint.X), zap.Int("y", f.Checkpoint.Y))
		}
	}

	if errors.Is(f.Err, types.ErrElementWithdrawn) {
		return c.reassign(f, reason, log)
	}

	attempts, err := c.units.MarkFailedRequeue(f.Unit, f.Element)
	if err != nil {
		return types.PoolElement{}, fmt.Errorf("requeue unit %d: %w", f.Unit, err)
	}
	c.metrics.RecordRequeued(reason)

	if errors.Is(f.Err, types.ErrElementUnreachable) {
		c.pool.MarkUnreachable(f.Element)
	}

	if attempts > c.cfg.MaxRetries {
		if err := c.units.MarkFailed(f.Unit); err != nil {
			return types.PoolElement{}, fmt.Errorf("escalate unit %d: %w", f.Unit, err)
		}
		c.metrics.RecordExhausted()
		log.Error("unit retry budget exhausted", zap.Int("attempts", attempts), zap.Error(f.Err))
		return types.PoolElement{}, fmt.Errorf("unit %d after %d attempts: %w", f.Unit, attempts, types.ErrUnitRetryExhausted)
	}

	return c.replace(f, attempts, reason, log)
}

// reassign releases the unit of a session whose element was withdrawn. The
// unit did not fail, so no attempt is counted.
func (c *Controller) reassign(f Failure, reason string, log *zap.Logger) (types.PoolElement, error) {
	if err := c.units.Release(f.Unit); err != nil {
		return types.PoolElement{}, fmt.Errorf("release unit %d: %w", f.Unit, err)
	}
	c.metrics.RecordRequeued(reason)

	attempts := 0
	if unit, ok := c.units.Get(f.Unit); ok {
		attempts = unit.Attempts
	}
	return c.replace(f, attempts, reason, log)
}

// replace selects the element the session continues on and records the move.
func (c *Controller) replace(f Failure, attempts int, reason string, log *zap.Logger) (types.PoolElement, error) {
	replacement, err := c.pool.SelectElement(map[types.ElementID]struct{}{f.Element: {}})
	if err != nil {
		log.Warn("no replacement element", zap.Int("attempts", attempts), zap.Error(err))
		return types.PoolElement{}, fmt.Errorf("replace %s: %w", f.Element, err)
	}

	// the only element left is retried; nothing moved
	if replacement.ID == f.Element {
		log.Info("retrying on the same element", zap.Int("attempts", attempts))
		return replacement, nil
	}

	c.mu.Lock()
	c.failovers = append(c.failovers, types.Failover{
		Unit:    f.Unit,
		Session: f.Session,
		From:    f.Element,
		To:      replacement.ID,
		Attempt: attempts,
		Reason:  reason,
		At:      c.now(),
	})
	c.mu.Unlock()
	c.metrics.RecordFailover()

	log.Info("failover", zap.Stringer("to", replacement.ID), zap.Int("attempts", attempts))
	return replacement, nil
}

// ElementFor picks the element for the next assignment of unit. A session
// still bound to a live element keeps it unless it is the unit's excluded
// element; otherwise the registry selects one.
func (c *Controller) ElementFor(unit types.WorkUnit, bound types.PoolElement, isBound bool) (types.PoolElement, error) {
	if isBound && bound.ID != unit.ExcludedElement {
		if current, ok := c.pool.Lookup(bound.ID); ok && current.Liveness != types.LivenessUnreachable {
			return current, nil
		}
	}

	var excluding map[types.ElementID]struct{}
	if unit.ExcludedElement != types.NoElement {
		excluding = map[types.ElementID]struct{}{unit.ExcludedElement: {}}
	}
	elem, err := c.pool.SelectElement(excluding)
	if err != nil {
		return types.PoolElement{}, fmt.Errorf("select element for unit %d: %w", unit.ID, err)
	}
	return elem, nil
}

// HandleMembership reacts to a registry event and reports whether sessions
// waiting for an element should retry now.
func (c *Controller) HandleMembership(ev registry.MembershipEvent) bool {
	switch {
	case ev.Unavailable():
		cause := fmt.Errorf("%w: %w: element %s is %s",
			types.ErrTransportFailure, types.ErrElementWithdrawn, ev.Element.ID, describe(ev))
		if n := c.sessions.AbortElement(ev.Element.ID, cause); n > 0 {
			c.logger.Warn("aborting sessions of lost element",
				zap.Stringer("element", ev.Element.ID),
				zap.Int("sessions", n))
		}
		return false
	case ev.Available():
		c.ResetBackoff()
		return true
	default:
		return false
	}
}

func describe(ev registry.MembershipEvent) string {
	if ev.Kind == registry.EventLeft {
		return "gone"
	}
	return string(ev.Element.Liveness)
}

// Backoff returns the wait after another empty-pool selection.
func (c *Controller) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.cfg.Backoff.NextRetry(c.emptyRuns)
	c.emptyRuns++
	return d
}

// ResetBackoff restarts the backoff sequence after a successful selection.
func (c *Controller) ResetBackoff() {
	c.mu.Lock()
	c.emptyRuns = 0
	c.mu.Unlock()
}

// Failovers returns every failover recorded so far, oldest first.
func (c *Controller) Failovers() []types.Failover {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Failover, len(c.failovers))
	copy(out, c.failovers)
	return out
}
