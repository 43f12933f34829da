package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
)

// Body is the contract every concrete job implements. The run context
// exposes cancellation checkpoints, progress reporting, retry-wrapped
// sub-calls and resource-monitor hooks. A body that observes cancellation
// must unwind through its error return, never through a forced stop.
type Body interface {
	Run(ctx context.Context, rc *RunContext) (artifact string, err error)
}

// BodyFunc adapts a plain function to the Body interface.
type BodyFunc func(ctx context.Context, rc *RunContext) (string, error)

func (f BodyFunc) Run(ctx context.Context, rc *RunContext) (string, error) {
	return f(ctx, rc)
}

// Record is the per-job state machine. It is mutated only by its owning
// worker goroutine, except for the cancellation token which anyone may set.
// Once a terminal state is reached all fields are frozen.
type Record struct {
	mu sync.Mutex

	id       string
	kind     Kind
	state    State
	progress int
	message  string

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	errInfo  *ErrorInfo
	stats    *Stats
	artifact string

	token   *Token
	emitter *Emitter
	monitor *Monitor

	cfg     config.JobsConfig
	timeout time.Duration
	retry   RetryPolicy
	phases  PhaseTable
	body    Body

	watchdog   *time.Timer
	onTerminal []func(Snapshot)
}

// NewRecord creates a Pending record. Validation failures return
// synchronously; a record that fails construction never enters a registry.
func NewRecord(kind Kind, body Body, emitter *Emitter, cfg config.JobsConfig, timeout time.Duration) (*Record, error) {
	if body == nil {
		return nil, NewValidationError("job body is required")
	}
	if emitter == nil {
		return nil, NewValidationError("progress emitter is required")
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if timeout < 0 {
		return nil, NewValidationError("timeout must not be negative")
	}
	if timeout == 0 {
		timeout = cfg.DefaultTimeout
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	retry := RetryPolicy{MaxRetries: cfg.MaxRetries, Schedule: cfg.BackoffSchedule}
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryPolicy()
	}

	return &Record{
		id:        id.String(),
		kind:      kind,
		state:     StatePending,
		createdAt: time.Now(),
		stats:     NewStats(),
		token:     NewToken(),
		emitter:   emitter,
		cfg:       cfg,
		timeout:   timeout,
		retry:     retry,
		phases:    PhasesFor(kind),
		body:      body,
	}, nil
}

// ID returns the opaque job identifier.
func (r *Record) ID() string {
	return r.id
}

// Kind returns the job kind.
func (r *Record) Kind() Kind {
	return r.kind
}

// Token returns the job's cancellation token.
func (r *Record) Token() *Token {
	return r.token
}

// OnTerminal registers a callback invoked exactly once with the terminal
// snapshot. Must be called before Start.
func (r *Record) OnTerminal(cb func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = append(r.onTerminal, cb)
}

// markQueued moves Pending to Queued. Called by the registry on Add.
func (r *Record) markQueued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePending {
		r.setStateLocked(StateQueued)
	}
}

// Start moves the record to Initializing and launches the body on its own
// goroutine, returning immediately.
func (r *Record) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StatePending && r.state != StateQueued {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot start job %s from state %s", r.id, state)
	}
	r.setStateLocked(StateInitializing)
	now := time.Now()
	r.startedAt = &now

	cal := Calibrate(r.cfg.AutoGcThresholdMB, r.cfg.MaxAllowedMemoryMB)
	mon, err := NewMonitor(r.cfg.SampleInterval, cal)
	if err != nil {
		log.Warn().Err(err).Str("jobID", r.id).Msg("resource monitor unavailable for this job")
	} else {
		r.monitor = mon
	}

	if r.timeout > 0 {
		timeout := r.timeout
		r.watchdog = time.AfterFunc(timeout, func() {
			r.watchdogFired(timeout)
		})
	}
	r.mu.Unlock()

	r.emit()
	if mon != nil {
		mon.Start()
	}
	go r.run(ctx)
	return nil
}

// watchdogFired escalates a long-running job. It behaves exactly like an
// external cancellation except the terminal state is TimedOut.
func (r *Record) watchdogFired(after time.Duration) {
	if !r.token.RequestCancel(fmt.Sprintf("watchdog fired after %s", after), true) {
		return
	}
	log.Warn().Str("jobID", r.id).Dur("timeout", after).Msg("job watchdog fired")

	r.mu.Lock()
	if !r.state.Terminal() && r.state != StateCancelling && canTransition(r.state, StateCancelling) {
		r.setStateLocked(StateCancelling)
	}
	r.mu.Unlock()
	r.emit()
}

// Cancel requests cooperative cancellation. It only sets the flag and moves
// the record to Cancelling; it never blocks waiting for the body to stop.
// Returns false when the record is already terminal.
func (r *Record) Cancel(reason string) bool {
	if reason == "" {
		reason = "cancelled by request"
	}

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	first := r.token.RequestCancel(reason, false)
	// No worker exists yet for Pending/Queued records, so nothing would ever
	// observe the token; the caller that fired the token finalises directly.
	// Later concurrent callers must not race it to the terminal write.
	unstarted := r.state == StatePending || r.state == StateQueued
	if r.state != StateCancelling && canTransition(r.state, StateCancelling) {
		r.setStateLocked(StateCancelling)
	}
	r.mu.Unlock()

	r.emit()
	if unstarted && first {
		r.finish("", r.token.Err())
	}
	return true
}

// run is the owning worker. It is the only goroutine that applies a terminal
// transition.
func (r *Record) run(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateInitializing {
		r.setStateLocked(StateRunning)
		r.mu.Unlock()
		r.emit()
	} else {
		r.mu.Unlock()
	}

	if r.token.IsCancelled() {
		r.finish("", r.token.Err())
		return
	}

	artifact, err := r.runBody(ctx)

	// A cancellation or timeout requested while the body was finishing still
	// wins: entering Cancelling guarantees a Cancelled (or TimedOut) end.
	if err == nil && r.token.IsCancelled() {
		err = r.token.Err()
	}
	r.finish(artifact, err)
}

func (r *Record) runBody(ctx context.Context) (artifact string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("jobID", r.id).Interface("panic", rec).Msg("job body panicked")
			err = NewPipelineError(fmt.Sprintf("job body panicked: %v", rec), nil)
		}
	}()
	return r.body.Run(ctx, &RunContext{rec: r})
}

// finish stops the watchdog and monitor, folds monitor stats into the job
// stats and applies the terminal transition matching err.
func (r *Record) finish(artifact string, err error) {
	r.mu.Lock()
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	mon := r.monitor
	cancelling := r.state == StateCancelling
	r.mu.Unlock()

	// Once Cancelling is entered the only legal ends are Cancelled and
	// TimedOut, whatever the body returned on its way out.
	if cancelling {
		if terr := r.token.Err(); terr != nil {
			err = terr
		}
	}

	if mon != nil {
		mon.Stop(r.cfg.MonitorJoinTimeout)
		if peak := mon.Peak(); peak > 0 {
			r.stats.Set("peak_memory_bytes", int64(peak))
			r.stats.Set("mean_memory_bytes", int64(mon.Mean()))
		}
	}

	switch {
	case err == nil:
		if terr := r.Complete(artifact); terr != nil {
			log.Error().Err(terr).Str("jobID", r.id).Msg("completion rejected")
		}
	case IsTimeout(err):
		r.setTerminal(StateTimedOut, &ErrorInfo{Code: CodeTimeout, Message: err.Error()}, artifact)
	case IsCancellation(err):
		r.setTerminal(StateCancelled, &ErrorInfo{Code: CodeCancelled, Message: err.Error()}, artifact)
	default:
		if terr := r.Fail(err); terr != nil {
			log.Error().Err(terr).Str("jobID", r.id).Msg("failure rejected")
		}
	}
}

// Complete applies the successful terminal transition. Calling it twice, or
// after any other terminal transition, is a reported programming error.
func (r *Record) Complete(artifact string) error {
	return r.setTerminal(StateCompleted, nil, artifact)
}

// Fail applies the failed terminal transition, preserving the statistics
// accumulated so far.
func (r *Record) Fail(err error) error {
	info := &ErrorInfo{Code: CodeOf(err), Message: err.Error()}
	return r.setTerminal(StateFailed, info, "")
}

func (r *Record) setTerminal(target State, info *ErrorInfo, artifact string) error {
	r.mu.Lock()
	if r.state.Terminal() {
		state := r.state
		r.mu.Unlock()
		log.Error().Str("jobID", r.id).Str("state", string(state)).Str("attempted", string(target)).Msg("duplicate terminal transition attempted")
		return ErrAlreadyTerminal
	}

	// Cancelled is only reachable through Cancelling.
	if target == StateCancelled && r.state != StateCancelling {
		r.setStateLocked(StateCancelling)
	}
	r.setStateLocked(target)

	now := time.Now()
	r.completedAt = &now
	r.errInfo = info
	if artifact != "" {
		r.artifact = artifact
	}
	if target == StateCompleted && r.progress < 100 {
		r.progress = 100
	}
	cbs := r.onTerminal
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.emitter.Emit(Event{JobID: r.id, Snapshot: snap, Timestamp: time.Now()})
	for _, cb := range cbs {
		cb(snap)
	}
	return nil
}

// setStateLocked applies one edge of the transition graph. Illegal edges are
// logged and ignored so a bug cannot corrupt the monotonic invariant.
func (r *Record) setStateLocked(to State) {
	if !canTransition(r.state, to) {
		log.Error().Str("jobID", r.id).Str("from", string(r.state)).Str("to", string(to)).Msg("illegal state transition ignored")
		return
	}
	r.state = to
}

// reportProgress merges stats and raises progress, then emits. Progress never
// decreases; reports after a terminal state are dropped.
func (r *Record) reportProgress(pct int, message string, stats map[string]int64) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	if stats != nil {
		r.stats.Merge(stats)
	}
	if pct > 100 {
		pct = 100
	}
	if pct > r.progress {
		r.progress = pct
	}
	if message != "" {
		r.message = message
	}
	r.mu.Unlock()

	r.emit()
}

func (r *Record) emit() {
	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.emitter.Emit(Event{JobID: r.id, Snapshot: snap, Timestamp: time.Now()})
}

// Status returns an immutable snapshot safe for cross-goroutine reads.
func (r *Record) Status() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		ID:          r.id,
		Kind:        r.kind,
		State:       r.state,
		Progress:    r.progress,
		Message:     r.message,
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Error:       r.errInfo,
		Stats:       r.stats.Snapshot(),
		Artifact:    r.artifact,
	}
}
