// ============================================================================
// fractalpool controller - the pool user process
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wires the pool user together and calculates one image after
//          another until stopped.
//
// Components:
//   - Registry: pool membership, fed by static elements and (optionally) the
//     NATS discovery subscriber; its lease sweeper runs for the lifetime of
//     the controller.
//   - Coordinator: calculates one image job over the configured sessions.
//   - History: records every finished image run (optional).
//
// Image loop:
//   1. pick a parameter file at random from the config directory
//   2. split the image into one tile per session and run the job
//   3. save the image (optional) and record the run
//   4. show "Image completed - Waiting for N seconds ..." once per second
//      for the inter-image time, then start over
//
// Stopping (ctx done) cancels the running image; the coordinator releases
// every unit before Run returns.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/internal/config"
	"github.com/ChuLiYu/fractalpool/internal/coordinator"
	"github.com/ChuLiYu/fractalpool/internal/failover"
	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/internal/history"
	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/internal/registry"
	"github.com/ChuLiYu/fractalpool/internal/session"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var ErrAlreadyRunning = errors.New("controller already running")

// Deps are the collaborators of a controller. Registry and Transport are
// required.
type Deps struct {
	Registry  *registry.Registry
	Transport transport.Transport
	// History records finished runs. Optional.
	History history.Store
	// Out receives the status line. Optional.
	Out io.Writer
	// Rand picks parameter files; defaults to a time-seeded source.
	Rand *rand.Rand
	// Backoff overrides the empty pool backoff. Optional.
	Backoff failover.RetryStrategy
}

// Status is a snapshot of the controller for status displays.
type Status struct {
	Image     int                  `json:"image"`
	Line      string               `json:"status"`
	Progress  coordinator.Progress `json:"progress"`
	Counts    types.Counts         `json:"counts"`
	Elements  int                  `json:"elements"`
	Available int                  `json:"available"`
	Sessions  []session.Info       `json:"sessions"`
	LastRun   *history.Run         `json:"last_run,omitempty"`
}

// Controller runs the pool user image loop.
type Controller struct {
	cfg         *config.Config
	deps        Deps
	coordinator *coordinator.Coordinator
	params      *fractal.ParameterSet
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu       sync.Mutex
	running  bool
	image    int
	line     string
	progress coordinator.Progress
	lastRun  *history.Run
}

// New creates a controller from cfg.
func New(cfg *config.Config, deps Deps, logger *zap.Logger, collector *metrics.Collector) (*Controller, error) {
	if deps.Registry == nil || deps.Transport == nil {
		return nil, errors.New("controller needs a registry and a transport")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	params, err := fractal.OpenParameterSet(cfg.Image.ConfigDir)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		params:  params,
		logger:  logger.Named("controller"),
		metrics: collector,
	}
	maxRetries := cfg.Sessions.MaxRetries
	if maxRetries == 0 {
		// the coordinator reads 0 as its default budget
		maxRetries = -1
	}
	c.coordinator = coordinator.New(coordinator.Config{
		Sessions:    cfg.Sessions.Count,
		MaxRetries:  maxRetries,
		SendTimeout: cfg.Sessions.SendTimeout,
		RecvTimeout: cfg.Sessions.RecvTimeout,
		Backoff:     deps.Backoff,
	}, deps.Registry, deps.Transport, c, logger, collector)
	return c, nil
}

// Run registers the static elements and calculates images until ctx is done
// or the configured image count is reached.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for _, elem := range c.cfg.StaticElements() {
		c.deps.Registry.Register(elem)
	}

	var wg sync.WaitGroup
	sweepCtx, stopSweep := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.deps.Registry.Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		wg.Wait()
	}()

	c.logger.Info("pool user started",
		zap.String("pool", c.cfg.Pool.Handle),
		zap.Int("sessions", c.cfg.Sessions.Count),
		zap.Int("width", c.cfg.Image.Width),
		zap.Int("height", c.cfg.Image.Height),
		zap.Int("parameter_files", len(c.params.Files)))

	for n := 1; c.cfg.Image.Count == 0 || n <= c.cfg.Image.Count; n++ {
		run, err := c.RunImage(ctx, n)
		if errors.Is(err, types.ErrJobCancelled) || ctx.Err() != nil {
			c.logger.Info("pool user stopped", zap.Int("images", n-1))
			return nil
		}
		if err != nil && run == nil {
			return err
		}
		if c.cfg.Image.Count != 0 && n == c.cfg.Image.Count {
			break
		}
		if !c.countDown(ctx, run.Status == types.JobCompleted) {
			c.logger.Info("pool user stopped", zap.Int("images", n))
			return nil
		}
	}
	return nil
}

// RunImage calculates image number n. A failed image returns its run record
// together with the error.
func (c *Controller) RunImage(ctx context.Context, n int) (*history.Run, error) {
	param, file, err := c.params.Next(c.deps.Rand, c.cfg.Image.Width, c.cfg.Image.Height)
	if err != nil {
		c.logger.Warn("parameter file unusable", zap.String("file", file), zap.Error(err))
	}
	tiles := fractal.SplitTiles(c.cfg.Image.Width, c.cfg.Image.Height, c.cfg.Sessions.Count)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("image %dx%d cannot be split into %d tiles",
			c.cfg.Image.Width, c.cfg.Image.Height, c.cfg.Sessions.Count)
	}
	job := types.Job{Parameter: param, Tiles: tiles}

	c.mu.Lock()
	c.image = n
	c.progress = coordinator.Progress{TotalUnits: len(tiles)}
	c.mu.Unlock()
	if len(tiles) > 1 {
		c.setLine("Waiting for job completion ...")
	} else {
		c.setLine("Calculating ...")
	}

	started := time.Now()
	report, runErr := c.coordinator.Run(ctx, job)
	run := &history.Run{
		ID:            report.JobID,
		Image:         n,
		ParameterFile: file,
		Algorithm:     fractal.AlgorithmName(param.Algorithm),
		Width:         param.Width,
		Height:        param.Height,
		Sessions:      c.cfg.Sessions.Count,
		Status:        report.Status,
		Counts:        report.Counts,
		Failovers:     report.Failovers,
		StartedAt:     started,
		Elapsed:       report.Elapsed,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if report.JobID == "" {
		// the job never started
		return nil, runErr
	}

	if report.Status == types.JobCompleted && c.cfg.Image.StoragePrefix != "" {
		path := fmt.Sprintf("%s-%06d.png", c.cfg.Image.StoragePrefix, n)
		if err := fractal.SavePNG(path, param.Width, param.Height, report.Image); err != nil {
			c.logger.Error("save image", zap.String("path", path), zap.Error(err))
		} else {
			c.logger.Info("image saved", zap.String("path", path))
		}
	}

	if c.deps.History != nil {
		// a cancelled run is still recorded after ctx is done
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.deps.History.Record(recordCtx, run); err != nil {
			c.logger.Error("record run", zap.String("job", run.ID), zap.Error(err))
		}
		cancel()
	}

	c.mu.Lock()
	c.lastRun = run
	c.mu.Unlock()
	return run, runErr
}

// countDown shows the inter-image status once per second. It returns false
// when ctx is done first.
func (c *Controller) countDown(ctx context.Context, success bool) bool {
	result := "Image completed"
	if !success {
		result = "Image calculation failed"
	}
	remaining := int(c.cfg.Image.InterImageTime / time.Second)
	for {
		c.setLine(fmt.Sprintf("%s - Waiting for %d seconds ...", result, remaining))
		wait := time.Second
		if remaining == 0 {
			// sub-second remainder of the inter-image time
			wait = c.cfg.Image.InterImageTime % time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if remaining == 0 {
			return true
		}
		remaining--
	}
}

func (c *Controller) setLine(line string) {
	c.mu.Lock()
	changed := c.line != line
	c.line = line
	c.mu.Unlock()
	if changed {
		fmt.Fprintln(c.deps.Out, line)
	}
}

// Status describes the current image.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Image:    c.image,
		Line:     c.line,
		LastRun:  c.lastRun,
		Progress: c.progress,
	}
	c.mu.Unlock()

	st.Counts = c.coordinator.Counts()
	st.Sessions = c.coordinator.Sessions()
	st.Elements = len(c.deps.Registry.Elements())
	st.Available = len(c.deps.Registry.ListAvailable())
	return st
}

// Failovers lists the failovers of the current image.
func (c *Controller) Failovers() []types.Failover {
	return c.coordinator.Failovers()
}

// OnProgress implements coordinator.Observer.
func (c *Controller) OnProgress(p coordinator.Progress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
	c.logger.Debug("image progress",
		zap.Stringer("progress", p),
		zap.Stringer("element", p.LastElementID))
}

// OnCompleted implements coordinator.Observer.
func (c *Controller) OnCompleted(coordinator.Report) {
	c.setLine("Image completed")
}

// OnFailed implements coordinator.Observer.
func (c *Controller) OnFailed(coordinator.Report, error) {
	c.setLine("Image calculation failed")
}
