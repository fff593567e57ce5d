package controller

import (
	"context"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/metrics"
	"github.com/cuemby/ci-runner/internal/runtime"
	"github.com/cuemby/ci-runner/internal/stash"
	"github.com/cuemby/ci-runner/internal/types"
)

// reconcileRunning handles the "running" rows of the spec §4.2 table:
// no-op if the container is still running, complete the job if it exited,
// mark it failed if the container is gone.
func (c *Controller) reconcileRunning(ctx context.Context, job *types.Job, containerName string) {
	jctx, cancel := c.jobCtx(ctx)
	defer cancel()

	status, err := c.runtime.Inspect(jctx, containerName)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("inspect failed, retrying next pass")
		metrics.ReconciliationJobErrorsTotal.WithLabelValues("inspect").Inc()
		return
	}

	switch status.State {
	case runtime.StateRunning:
		return // no-op

	case runtime.StateExited:
		success := status.ExitCode == 0
		now := time.Now().UTC()
		if err := c.store.CompleteJob(job.ID, success, now); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to complete job")
			metrics.ReconciliationJobErrorsTotal.WithLabelValues("complete_job").Inc()
			return
		}
		c.finishJob(job.ID, success)
		if job.StartTime != nil {
			metrics.JobDuration.Observe(now.Sub(*job.StartTime).Seconds())
		}
		if err := c.runtime.Remove(jctx, containerName); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to remove exited container")
		}
		c.removeStash(job.ID, job.ZipFilePath)
		c.cleanupScratchDir(job.ID)

	case runtime.StateMissing:
		c.logger.Warn().Str("job_id", job.ID).Msg("container lost during execution")
		if err := c.store.UpdateJobStatus(job.ID, types.JobStatusFailed, nil, ""); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
			metrics.ReconciliationJobErrorsTotal.WithLabelValues("mark_failed").Inc()
			return
		}
		c.publishTerminalLog(job.ID, "Container lost during execution")
		c.finishJob(job.ID, false)
		c.removeStash(job.ID, job.ZipFilePath)
		c.cleanupScratchDir(job.ID)
	}
}

// reconcileQueued handles the "queued" rows: create and start a container
// from the stashed zip, whether or not a stale container_id is already on
// the job (the old reference, if any, was stale per spec §4.2).
func (c *Controller) reconcileQueued(ctx context.Context, job *types.Job, containerName string) {
	jctx, cancel := c.jobCtx(ctx)
	defer cancel()

	logger := c.logger.With().Str("job_id", job.ID).Logger()

	scratch := c.scratchDirFor(job.ID)
	if err := extractZip(job.ZipFilePath, scratch); err != nil {
		logger.Error().Err(err).Msg("failed to extract submission")
		c.failQueuedJob(job.ID, "Failed to extract submitted project: "+causeMessage(err))
		return
	}

	spec := runtime.JobContainerSpec{
		Name:        containerName,
		Image:       c.cfg.RunnerImage,
		MountSource: scratch,
		MountTarget: c.cfg.MountTarget,
		Command:     []string{"/bin/sh", "-c", c.buildCommand()},
	}

	containerID, err := c.runtime.CreateAndStart(jctx, spec)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create/start container")
		c.failQueuedJob(job.ID, "Failed to start test container: "+causeMessage(err))
		return
	}

	now := time.Now().UTC()
	if err := c.store.UpdateJobStatus(job.ID, types.JobStatusRunning, &now, containerID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
		metrics.ReconciliationJobErrorsTotal.WithLabelValues("mark_running").Inc()
		return
	}

	c.removeStash(job.ID, job.ZipFilePath)

	broker := c.brokers.GetOrCreate(job.ID)
	go c.pumpLogs(job.ID, containerID, broker)
}

func (c *Controller) buildCommand() string {
	install := c.cfg.InstallCommand
	test := c.cfg.TestCommand
	if install == "" {
		return test
	}
	return install + " && " + test
}

func (c *Controller) failQueuedJob(jobID, message string) {
	if err := c.store.UpdateJobStatus(jobID, types.JobStatusFailed, nil, ""); err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job failed after create error")
		return
	}
	c.publishTerminalLog(jobID, message)
	c.finishJob(jobID, false)
	c.cleanupScratchDir(jobID)
}

// reconcileTerminal handles the "terminal" rows: remove the container and
// stashed zip if either is still present. Both removals are idempotent, so
// this runs unconditionally every pass for every terminal job — cheap, and
// it is what makes crash recovery correct (spec §4.2 "Idempotency").
func (c *Controller) reconcileTerminal(ctx context.Context, job *types.Job, containerName string) {
	jctx, cancel := c.jobCtx(ctx)
	defer cancel()

	if err := c.runtime.Remove(jctx, containerName); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to remove terminal job's container")
		metrics.ReconciliationJobErrorsTotal.WithLabelValues("terminal_cleanup").Inc()
	}
	c.removeStash(job.ID, job.ZipFilePath)
	c.cleanupScratchDir(job.ID)
}

func (c *Controller) removeStash(jobID, path string) {
	if err := stash.Remove(path); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove stashed zip")
	}
}

// pumpLogs tails the container's live output, publishing each chunk to the
// job's broker and persisting it as a JobEvent for replay. It stops only
// when the runtime's log reader returns EOF (the container exited) or an
// error; chunks read after the broker has been finished are dropped by it.
func (c *Controller) pumpLogs(jobID, containerID string, broker *logstream.Broker) {
	ctx := context.Background()
	rc, err := c.runtime.Logs(ctx, containerID)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to open container logs")
		return
	}
	defer rc.Close()

	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			broker.Publish(logstream.Chunk{Data: chunk})
			c.persistLogEvent(jobID, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) persistLogEvent(jobID, data string) {
	event := &types.JobEvent{
		JobID:     jobID,
		Sequence:  c.nextSeq(jobID),
		Type:      types.EventTypeLog,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendJobEvent(event); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist log event")
	}
}

func (c *Controller) publishTerminalLog(jobID, message string) {
	broker := c.brokers.GetOrCreate(jobID)
	broker.Publish(logstream.Chunk{Data: message + "\n"})
	c.persistLogEvent(jobID, message+"\n")
}

func (c *Controller) finishJob(jobID string, success bool) {
	broker := c.brokers.GetOrCreate(jobID)
	broker.Finish(success)
	c.brokers.Remove(jobID)

	event := &types.JobEvent{
		JobID:     jobID,
		Sequence:  c.nextSeq(jobID),
		Type:      types.EventTypeComplete,
		Success:   &success,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendJobEvent(event); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist complete event")
	}
}

func causeMessage(err error) string {
	if e, ok := err.(*apperr.Error); ok && e.Cause != nil {
		return e.Cause.Error()
	}
	return err.Error()
}
