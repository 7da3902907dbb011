// ============================================================================
// fractalpool job coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Drives one job to "Image completed" or "Image calculation failed".
//
// Components owned per run:
//   - workqueue.Queue      every unit of the job
//   - session.Manager      N sessions talking to pool elements
//   - failover.Controller  requeue / replacement / escalation policy
//
// Event loop:
//   One goroutine owns every scheduling decision. It selects over
//     - session outcomes   completed, failed or abandoned assignments
//     - membership events  elements leaving abort their sessions, elements
//                          joining end an empty-pool backoff
//     - the backoff timer  retry selection after types.ErrPoolEmpty
//     - ctx                cooperative cancellation
//   and after each event hands pending units to idle sessions.
//
// Failover:
//   A failed unit keeps the progress its element reported. Its next
//   assignment carries the resume checkpoint, so the replacement element only
//   calculates the rest of the tile.
//
// Cancellation:
//   Every session abandons its unit, the abandoned units are released back to
//   pending and Run returns types.ErrJobCancelled. A fresh Run of the same job
//   starts over.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/failover"
	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/registry"
	"github.com/ChuLiYu/fractalpool/internal/session"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/internal/workqueue"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Config configures job runs.
type Config struct {
	Sessions    int
	MaxRetries  int
	SendTimeout time.Duration
	RecvTimeout time.Duration
	Backoff     failover.RetryStrategy
}

// Coordinator runs jobs against a pool. Run is not reentrant; the query
// methods may be called from any goroutine and describe the current or last
// run.
type Coordinator struct {
	cfg       Config
	registry  *registry.Registry
	transport transport.Transport
	observer  Observer
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu       sync.Mutex
	queue    *workqueue.Queue
	sessions *session.Manager
	failover *failover.Controller
}

// New creates a coordinator. observer and collector may be nil.
func New(cfg Config, reg *registry.Registry, tr transport.Transport, observer Observer,
	logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  reg,
		transport: tr,
		observer:  observer,
		logger:    logger,
		metrics:   collector,
	}
}

// Sessions describes the sessions of the current run.
func (c *Coordinator) Sessions() []session.Info {
	c.mu.Lock()
	m := c.sessions
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Sessions()
}

// Failovers lists the failovers of the current run.
func (c *Coordinator) Failovers() []types.Failover {
	c.mu.Lock()
	f := c.failover
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Failovers()
}

// Counts returns the unit counters of the current run.
func (c *Coordinator) Counts() types.Counts {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return types.Counts{}
	}
	return q.Counts()
}

// Run calculates job and blocks until every unit reached a final state or ctx
// is done. It returns nil when the image completed, an error wrapping
// types.ErrUnitRetryExhausted when a unit failed for good, and
// types.ErrJobCancelled on cancellation.
func (c *Coordinator) Run(ctx context.Context, job types.Job) (Report, error) {
	r, err := c.newRun(ctx, job)
	if err != nil {
		return Report{}, err
	}
	defer r.sessions.Close()

	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	return r.loop(ctx, c.registry.Subscribe(subCtx))
}

// run is the state of one Run, touched only by the loop goroutine.
type run struct {
	c        *Coordinator
	job      types.Job
	log      *zap.Logger
	queue    *workqueue.Queue
	sessions *session.Manager
	failover *failover.Controller

	started     time.Time
	inFlight    int
	lastElement types.ElementID
	exhausted   error
	backoff     *time.Timer
}

func (c *Coordinator) newRun(ctx context.Context, job types.Job) (*run, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if len(job.Tiles) == 0 {
		return nil, fmt.Errorf("job %s has no tiles", job.ID)
	}

	log := c.logger.Named("coordinator").With(zap.String("job", job.ID))
	queue := workqueue.New(job.Tiles, workqueue.WithLogger(log))
	sessions := session.NewManager(c.transport, session.Config{
		Sessions:    c.cfg.Sessions,
		SendTimeout: c.cfg.SendTimeout,
		RecvTimeout: c.cfg.RecvTimeout,
	}, c.logger, c.metrics)
	fo := failover.New(failover.Config{
		MaxRetries: c.cfg.MaxRetries,
		Backoff:    c.cfg.Backoff,
	}, c.registry, queue, sessions, c.logger, c.metrics)

	// sessions outlive ctx so cancellation can drain them
	if err := sessions.Open(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	c.mu.Lock()
	c.queue, c.sessions, c.failover = queue, sessions, fo
	c.mu.Unlock()

	return &run{
		c:        c,
		job:      job,
		log:      log,
		queue:    queue,
		sessions: sessions,
		failover: fo,
		started:  time.Now(),
	}, nil
}

func (r *run) loop(ctx context.Context, events <-chan registry.MembershipEvent) (Report, error) {
	r.log.Info("job started",
		zap.Int("units", len(r.job.Tiles)),
		zap.Int("sessions", r.sessions.Size()),
		zap.String("algorithm", fractal.AlgorithmName(r.job.Parameter.Algorithm)))

	r.dispatch()
	for !r.finished() {
		select {
		case <-ctx.Done():
			return r.cancel()
		case out := <-r.sessions.Outcomes():
			r.handleOutcome(out)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if r.failover.HandleMembership(ev) {
				r.stopBackoff()
			}
		case <-r.backoffC():
			r.backoff = nil
		}
		r.dispatch()
	}
	r.stopBackoff()
	return r.finish()
}

func (r *run) finished() bool {
	return r.queue.Done() && r.inFlight == 0
}

// dispatch hands pending units to idle sessions until one of them runs out.
func (r *run) dispatch() {
	defer r.updateQueueStats()
	if r.backoff != nil {
		return
	}
	for _, id := range r.sessions.Idle() {
		unit, ok := r.queue.NextPending()
		if !ok {
			return
		}
		bound, isBound := r.sessions.Bound(id)
		elem, err := r.failover.ElementFor(unit, bound, isBound)
		if err != nil {
			if errors.Is(err, types.ErrPoolEmpty) {
				r.startBackoff()
			} else {
				r.log.Error("element selection failed", zap.Error(err))
			}
			return
		}
		r.failover.ResetBackoff()

		if err := r.queue.MarkAssigned(unit.ID, id, elem.ID); err != nil {
			r.log.Error("assign unit", zap.Int("unit", int(unit.ID)), zap.Error(err))
			continue
		}
		a := session.Assignment{
			Unit:    unit,
			Element: elem,
			Request: transport.Request{
				UnitID:    unit.ID,
				Tile:      unit.Tile,
				Parameter: fractal.TileParameter(r.job.Parameter, unit.Tile),
				Resume:    unit.Checkpoint,
			},
		}
		if err := r.sessions.Dispatch(id, a); err != nil {
			r.log.Error("dispatch unit", zap.Int("unit", int(unit.ID)), zap.Error(err))
			_ = r.queue.Release(unit.ID)
			return
		}
		r.inFlight++
		r.c.metrics.RecordAssigned()
		r.log.Debug("unit assigned",
			zap.Int("unit", int(unit.ID)),
			zap.Int("session", int(id)),
			zap.Stringer("element", elem.ID))
	}
}

func (r *run) handleOutcome(out session.Outcome) {
	r.inFlight--
	log := r.log.With(zap.Int("unit", int(out.Unit)), zap.Int("session", int(out.Session)))

	switch out.Kind {
	case session.Completed:
		r.accept(out, log)
		if err := r.sessions.Recycle(out.Session); err != nil {
			log.Error("recycle session", zap.Error(err))
		}

	case session.Failed:
		replacement, err := r.failover.HandleFailure(failover.Failure{
			Unit:       out.Unit,
			Session:    out.Session,
			Element:    out.Element,
			Err:        out.Err,
			Checkpoint: out.Checkpoint,
			Partial:    out.Result,
		})
		switch {
		case err == nil:
		case errors.Is(err, types.ErrUnitRetryExhausted):
			if r.exhausted == nil {
				r.exhausted = err
			}
			r.lastElement = out.Element
			r.progress()
		case errors.Is(err, types.ErrPoolEmpty):
			r.startBackoff()
		default:
			log.Error("failover", zap.Error(err))
		}
		if err := r.sessions.Rebind(out.Session, replacement); err != nil {
			log.Error("rebind session", zap.Error(err))
		}

	case session.Abandoned:
		if err := r.queue.Release(out.Unit); err != nil && !errors.Is(err, workqueue.ErrNotAssigned) {
			log.Error("release unit", zap.Error(err))
		}
	}
}

// accept stores a completed result; duplicates and stale results are dropped.
func (r *run) accept(out session.Outcome, log *zap.Logger) {
	accepted, err := r.queue.MarkCompleted(out.Unit, out.Session, out.Result)
	switch {
	case err != nil:
		log.Error("result for unknown unit", zap.Error(err))
	case !accepted:
		r.c.metrics.RecordDiscarded()
		log.Debug("result discarded", zap.Error(types.ErrStalePacket))
	default:
		r.c.metrics.RecordCompleted(out.Duration.Seconds())
		r.lastElement = out.Element
		r.progress()
	}
}

func (r *run) progress() {
	counts := r.queue.Counts()
	r.c.observer.OnProgress(Progress{
		UnitsProcessed: counts.Processed(),
		TotalUnits:     counts.Total,
		LastElementID:  r.lastElement,
	})
}

func (r *run) startBackoff() {
	if r.backoff != nil {
		return
	}
	d := r.failover.Backoff()
	r.backoff = time.NewTimer(d)
	r.log.Debug("pool empty, backing off", zap.Duration("delay", d))
}

func (r *run) stopBackoff() {
	if r.backoff != nil {
		r.backoff.Stop()
		r.backoff = nil
	}
}

func (r *run) backoffC() <-chan time.Time {
	if r.backoff == nil {
		return nil
	}
	return r.backoff.C
}

func (r *run) updateQueueStats() {
	counts := r.queue.Counts()
	r.c.metrics.UpdateQueueStats(counts.Pending, counts.Assigned)
}

// cancel abandons every running assignment and waits for the sessions to
// report back, so no unit stays assigned.
func (r *run) cancel() (Report, error) {
	r.stopBackoff()
	aborted := r.sessions.AbortAll(types.ErrJobCancelled)
	r.log.Info("job cancelled", zap.Int("aborted", aborted), zap.Int("in_flight", r.inFlight))

	for r.inFlight > 0 {
		out := <-r.sessions.Outcomes()
		r.inFlight--
		if out.Kind == session.Completed {
			r.accept(out, r.log)
			continue
		}
		if err := r.queue.Release(out.Unit); err != nil && !errors.Is(err, workqueue.ErrNotAssigned) {
			r.log.Error("release unit", zap.Int("unit", int(out.Unit)), zap.Error(err))
		}
	}
	r.queue.ReleaseAll()
	r.updateQueueStats()

	report := r.report(types.JobCancelled)
	return report, fmt.Errorf("job %s: %w", r.job.ID, types.ErrJobCancelled)
}

func (r *run) finish() (Report, error) {
	if r.exhausted != nil {
		report := r.report(types.JobFailed)
		err := fmt.Errorf("job %s: %w", r.job.ID, r.exhausted)
		r.log.Error("Image calculation failed", zap.Int("failed", report.Counts.Failed), zap.Error(r.exhausted))
		r.c.observer.OnFailed(report, err)
		return report, err
	}

	report := r.report(types.JobCompleted)
	r.log.Info("Image completed",
		zap.Duration("elapsed", report.Elapsed),
		zap.Int("failovers", len(report.Failovers)))
	r.c.observer.OnCompleted(report)
	return report, nil
}

func (r *run) report(status types.JobStatus) Report {
	return Report{
		JobID:     r.job.ID,
		Status:    status,
		Counts:    r.queue.Counts(),
		Failovers: r.failover.Failovers(),
		Elapsed:   time.Since(r.started),
		Image:     r.assemble(),
	}
}

// assemble copies the completed tiles into one row-major image.
func (r *run) assemble() []uint32 {
	p := r.job.Parameter
	if p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	image := make([]uint32, p.Width*p.Height)
	for _, unit := range r.queue.Units() {
		t := unit.Tile
		if unit.State != types.UnitCompleted || len(unit.Result) < t.Points() {
			continue
		}
		for y := 0; y < t.Height && t.Y+y < p.Height; y++ {
			row := unit.Result[y*t.Width : (y+1)*t.Width]
			start := (t.Y+y)*p.Width + t.X
			end := start + t.Width
			if t.X+t.Width > p.Width {
				end = start + p.Width - t.X
			}
			copy(image[start:end], row)
		}
	}
	return image
}
