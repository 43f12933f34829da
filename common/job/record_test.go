package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklineio/jobrunner-http-service/common/config"
)

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		EmitInterval:       time.Millisecond,
		CheckpointInterval: 5 * time.Millisecond,
		MaxRetries:         2,
		BackoffSchedule:    []time.Duration{time.Millisecond, 2 * time.Millisecond},
		SampleInterval:     50 * time.Millisecond,
		MonitorJoinTimeout: time.Second,
	}
}

// newTestRecord builds a record whose terminal snapshot lands on the returned
// channel.
func newTestRecord(t *testing.T, kind Kind, body Body, timeout time.Duration) (*Record, <-chan Snapshot) {
	t.Helper()

	emitter := NewEmitter(time.Millisecond)
	rec, err := NewRecord(kind, body, emitter, testJobsConfig(), timeout)
	require.NoError(t, err)

	term := make(chan Snapshot, 1)
	rec.OnTerminal(func(s Snapshot) { term <- s })
	return rec, term
}

func waitTerminal(t *testing.T, term <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-term:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached a terminal state")
		return Snapshot{}
	}
}

func TestNewRecordValidation(t *testing.T) {
	emitter := NewEmitter(time.Millisecond)
	ok := BodyFunc(func(context.Context, *RunContext) (string, error) { return "", nil })

	_, err := NewRecord(KindFileProcessing, nil, emitter, testJobsConfig(), 0)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = NewRecord(KindFileProcessing, ok, nil, testJobsConfig(), 0)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = NewRecord(Kind("bogus"), ok, emitter, testJobsConfig(), 0)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = NewRecord(KindFileProcessing, ok, emitter, testJobsConfig(), -time.Second)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestRecordLifecycleCompletes(t *testing.T) {
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		rc.PhaseProgress("validate", 1, "validated", map[string]int64{"files_total": 2})
		rc.PhaseProgress("process", 1, "processed", map[string]int64{"files_processed": 2})
		return "file:///tmp/manifest.json", nil
	})
	rec, term := newTestRecord(t, KindFileProcessing, body, 0)

	assert.Equal(t, StatePending, rec.Status().State)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "file:///tmp/manifest.json", snap.Artifact)
	assert.Nil(t, snap.Error)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.CompletedAt)
	assert.Equal(t, int64(2), snap.Stats["files_processed"])
}

func TestRecordStartTwiceRejected(t *testing.T) {
	started := make(chan struct{})
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		close(started)
		<-rc.Done()
		return "", rc.Checkpoint()
	})
	rec, term := newTestRecord(t, KindFileProcessing, body, 0)

	require.NoError(t, rec.Start(context.Background()))
	<-started
	assert.Error(t, rec.Start(context.Background()))

	rec.Cancel("cleanup")
	waitTerminal(t, term)
}

func TestRecordFailurePreservesStats(t *testing.T) {
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		rc.Progress(40, "partway", map[string]int64{"items_done": 7})
		return "", NewPipelineError("upstream exploded", errors.New("boom"))
	})
	rec, term := newTestRecord(t, KindScrapeExtract, body, 0)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, CodePipeline, snap.Error.Code)
	assert.Equal(t, int64(7), snap.Stats["items_done"])
	assert.Equal(t, 40, snap.Progress)
}

func TestRecordCancelDuringRun(t *testing.T) {
	started := make(chan struct{})
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		close(started)
		<-rc.Done()
		return "", rc.Checkpoint()
	})
	rec, term := newTestRecord(t, KindPlaylistDownload, body, 0)
	require.NoError(t, rec.Start(context.Background()))
	<-started

	assert.True(t, rec.Cancel("user pressed stop"))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCancelled, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, CodeCancelled, snap.Error.Code)

	// A second cancel on a terminal record reports false.
	assert.False(t, rec.Cancel("again"))
}

func TestRecordCancelBeforeStart(t *testing.T) {
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		t.Error("body must never run for a job cancelled before start")
		return "", nil
	})
	rec, term := newTestRecord(t, KindFileProcessing, body, 0)

	assert.True(t, rec.Cancel("changed my mind"))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCancelled, snap.State)
	assert.Error(t, rec.Start(context.Background()))
}

func TestRecordConcurrentCancelBeforeStart(t *testing.T) {
	// Racing cancels on an unstarted record must produce exactly one
	// terminal transition: only the caller that fired the token finalises.
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		t.Error("body must never run for a job cancelled before start")
		return "", nil
	})
	rec, _ := newTestRecord(t, KindFileProcessing, body, 0)

	var terminalCount atomic.Int32
	done := make(chan Snapshot, 2)
	rec.OnTerminal(func(s Snapshot) {
		terminalCount.Add(1)
		done <- s
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Cancel("racing cancel")
		}()
	}
	wg.Wait()

	snap := waitTerminal(t, done)
	assert.Equal(t, StateCancelled, snap.State)
	assert.Equal(t, int32(1), terminalCount.Load())
	assert.False(t, rec.Cancel("after terminal"))
}

func TestRecordWatchdogTimeout(t *testing.T) {
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		<-rc.Done()
		return "", rc.Checkpoint()
	})
	rec, term := newTestRecord(t, KindScrapeExtract, body, 30*time.Millisecond)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateTimedOut, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, CodeTimeout, snap.Error.Code)
}

func TestRecordProgressMonotonic(t *testing.T) {
	var rec *Record
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		rc.Progress(50, "half", nil)
		rc.Progress(30, "stale report", nil)
		assert.Equal(t, 50, rec.Status().Progress)
		rc.Progress(120, "overshoot", nil)
		assert.Equal(t, 100, rec.Status().Progress)
		return "", nil
	})

	var term <-chan Snapshot
	rec, term = newTestRecord(t, KindFileProcessing, body, 0)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
}

func TestRecordPanicBecomesFailure(t *testing.T) {
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		panic("pipeline bug")
	})
	rec, term := newTestRecord(t, KindFileProcessing, body, 0)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, CodePipeline, snap.Error.Code)
	assert.Contains(t, snap.Error.Message, "panicked")
}

func TestRecordCancellationWinsOverLateSuccess(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		close(started)
		<-release
		// The body finished its work without ever observing the token.
		return "file:///tmp/out", nil
	})
	rec, term := newTestRecord(t, KindFileProcessing, body, 0)
	require.NoError(t, rec.Start(context.Background()))
	<-started

	assert.True(t, rec.Cancel("raced with completion"))
	close(release)

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCancelled, snap.State)
}

func TestRunContextRetryReportsAttempts(t *testing.T) {
	calls := 0
	body := BodyFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		err := rc.Retry(ctx, "fetch page", func() error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
		return "", err
	})
	rec, term := newTestRecord(t, KindScrapeExtract, body, 0)
	require.NoError(t, rec.Start(context.Background()))

	snap := waitTerminal(t, term)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), snap.Stats["retry_attempts"])
}
