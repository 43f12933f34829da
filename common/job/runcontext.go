package job

import (
	"context"
	"fmt"
	"time"
)

// RunContext is what a job body sees of its record: cancellation checkpoints,
// progress reporting, retry-wrapped sub-calls and resource-monitor hooks.
// Bodies hold the context for the duration of Run and nothing else; they
// never touch the record directly.
type RunContext struct {
	rec *Record
}

// Checkpoint polls the cancellation token. On a positive read it returns the
// matching cancellation or timeout error, which the body should propagate
// through its normal error return. Bodies are expected to call this about
// once per CheckpointInterval, not on every iteration.
func (c *RunContext) Checkpoint() error {
	if c.rec.token.IsCancelled() {
		return c.rec.token.Err()
	}
	return nil
}

// Cancelled is the cheap boolean form of Checkpoint for hot loops.
func (c *RunContext) Cancelled() bool {
	return c.rec.token.IsCancelled()
}

// Done returns a channel closed once cancellation is requested, for
// select-based waits.
func (c *RunContext) Done() <-chan struct{} {
	return c.rec.token.Done()
}

// CheckpointInterval is the documented polling cadence for this job.
func (c *RunContext) CheckpointInterval() time.Duration {
	if c.rec.cfg.CheckpointInterval > 0 {
		return c.rec.cfg.CheckpointInterval
	}
	return time.Second
}

// Progress reports absolute progress with an optional message and a stats
// delta merged additively into the job-level stats.
func (c *RunContext) Progress(pct int, message string, stats map[string]int64) {
	c.rec.reportProgress(pct, message, stats)
}

// PhaseProgress maps completion within a named phase through the job kind's
// fixed phase table onto the 0-100 scale.
func (c *RunContext) PhaseProgress(phase string, frac float64, message string, stats map[string]int64) {
	c.rec.reportProgress(c.rec.phases.Percent(phase, frac), message, stats)
}

// Phases returns the fixed phase table for this job's kind.
func (c *RunContext) Phases() PhaseTable {
	return c.rec.phases
}

// Retry runs op under the job's retry policy. Each retried attempt is
// reported as a progress event so observers are not blind during backoff.
func (c *RunContext) Retry(ctx context.Context, name string, op func() error) error {
	return c.rec.retry.Execute(ctx, c.rec.token, op, func(a Attempt) {
		c.rec.stats.Add("retry_attempts", 1)
		c.rec.reportProgress(0, fmt.Sprintf("retrying %s in %s (attempt %d): %v", name, a.Delay, a.Number, a.Err), nil)
	})
}

// Stats returns the job-level statistics for direct accumulation.
func (c *RunContext) Stats() *Stats {
	return c.rec.stats
}

// Calibration exposes the concurrency and memory bounds computed at job
// start. Pipelines size their worker pools from this, never ad hoc.
func (c *RunContext) Calibration() Calibration {
	if c.rec.monitor != nil {
		return c.rec.monitor.Calibration()
	}
	return Calibrate(c.rec.cfg.AutoGcThresholdMB, c.rec.cfg.MaxAllowedMemoryMB)
}

// MemoryExceeded reports whether the monitor saw memory above the allowed
// limit. Escalating that into an abort is the pipeline's decision.
func (c *RunContext) MemoryExceeded() bool {
	return c.rec.monitor != nil && c.rec.monitor.Exceeded()
}
