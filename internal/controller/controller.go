// Package controller implements the reconciliation loop (spec §4.2): a
// singleton, level-triggered control loop that converges the container
// runtime to the state declared by the store. Structured like the
// teacher's pkg/reconciler — a Start/Stop pair around a ticker-driven run
// loop, with the actual convergence logic factored into a directly
// testable reconcileOnce.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/ci-runner/internal/log"
	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/metrics"
	"github.com/cuemby/ci-runner/internal/runtime"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/rs/zerolog"
)

// Config configures the Controller.
type Config struct {
	NamespacePrefix   string        // partitions container names so multiple deployments share one host
	ReconcileInterval time.Duration // default 2s per spec §6
	ScratchDir        string        // root for per-job extraction directories
	RunnerImage       string        // base image carrying the language toolchain
	MountTarget       string        // path the project tree is mounted at inside the container
	InstallCommand    string        // e.g. "npm install"
	TestCommand       string        // e.g. "npm test -- --verbose"
	JobTimeout        time.Duration // bound on a single job's container-runtime calls per pass (default 30s)
}

func (c *Config) setDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 2 * time.Second
	}
	if c.MountTarget == "" {
		c.MountTarget = "/workspace"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
}

// Controller is the singleton reconciliation loop.
type Controller struct {
	cfg     Config
	store   store.Store
	runtime runtime.Runtime
	brokers *logstream.Registry

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}

	seqMu sync.Mutex
	seq   map[string]uint64
}

// New creates a Controller. brokers may be nil if live log multiplexing is
// not needed (e.g. in tests that only assert on store state).
func New(cfg Config, st store.Store, rt runtime.Runtime, brokers *logstream.Registry) *Controller {
	cfg.setDefaults()
	if brokers == nil {
		brokers = logstream.NewRegistry()
	}
	return &Controller{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		brokers: brokers,
		logger:  log.WithComponent("controller"),
		stopCh:  make(chan struct{}),
		seq:     make(map[string]uint64),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Stop stops the loop. Safe to call once.
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run() {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("controller started")

	for {
		select {
		case <-ticker.C:
			if err := c.ReconcileOnce(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("controller stopped")
			return
		}
	}
}

// ReconcileOnce performs exactly one reconciliation pass. It is
// level-triggered (spec §4.2): it reads the current snapshot of desired and
// observed state and converges them, regardless of what happened (or
// didn't) on any previous pass. It is exported so tests, and crash-recovery
// on startup, can drive it directly without waiting on the ticker.
//
// A single pass must not overlap with itself (spec §5); mu enforces that
// even if ReconcileOnce is somehow invoked concurrently with the run loop.
func (c *Controller) ReconcileOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	jobs, err := c.store.ListJobs("")
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	observed, err := c.runtime.List(ctx, c.cfg.NamespacePrefix)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	observedSet := make(map[string]bool, len(observed))
	for _, id := range observed {
		observedSet[id] = true
	}

	// Ordering per spec §4.2: terminal transitions first (free runtime
	// capacity), then new creations, then orphan cleanup. Each job's
	// reconciliation is independent; a failure on one never blocks
	// progress on another.
	claimed := make(map[string]bool)

	for _, job := range jobs {
		if job.Status == types.JobStatusRunning {
			name := c.containerName(job.ID)
			claimed[name] = true
			c.reconcileRunning(ctx, job, name)
		}
	}

	for _, job := range jobs {
		if job.Status == types.JobStatusQueued {
			name := c.containerName(job.ID)
			claimed[name] = true
			c.reconcileQueued(ctx, job, name)
		}
	}

	for _, job := range jobs {
		if job.Status.Terminal() {
			name := c.containerName(job.ID)
			claimed[name] = true
			c.reconcileTerminal(ctx, job, name)
		}
	}

	for _, containerID := range observed {
		if !claimed[containerID] {
			c.logger.Warn().Str("container_id", containerID).Msg("removing orphan container")
			if err := c.runtime.Remove(ctx, containerID); err != nil {
				c.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove orphan container")
				metrics.ReconciliationJobErrorsTotal.WithLabelValues("orphan_cleanup").Inc()
			} else {
				metrics.OrphanContainersRemovedTotal.Inc()
			}
		}
	}

	c.observeJobGauges(jobs)
	return nil
}

func (c *Controller) observeJobGauges(jobs []*types.Job) {
	counts := map[types.JobStatus]float64{}
	for _, j := range jobs {
		counts[j.Status]++
	}
	for _, s := range []types.JobStatus{
		types.JobStatusQueued, types.JobStatusRunning,
		types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled,
	} {
		metrics.JobsTotal.WithLabelValues(string(s)).Set(counts[s])
	}
}

func (c *Controller) containerName(jobID string) string {
	return fmt.Sprintf("%s-job-%s", c.cfg.NamespacePrefix, jobID)
}

func (c *Controller) jobCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.JobTimeout)
}

func (c *Controller) nextSeq(jobID string) uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq[jobID]++
	return c.seq[jobID]
}

func (c *Controller) scratchDirFor(jobID string) string {
	return filepath.Join(c.cfg.ScratchDir, jobID)
}

func (c *Controller) cleanupScratchDir(jobID string) {
	os.RemoveAll(c.scratchDirFor(jobID))
}
