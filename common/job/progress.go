package job

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Event is one delivered progress notification.
type Event struct {
	JobID     string    `json:"job_id"`
	Snapshot  Snapshot  `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// terminal reports whether the event must bypass throttling.
func (e Event) terminal() bool {
	return e.Snapshot.State.Terminal() || e.Snapshot.Progress >= 100
}

// Sink receives every delivered event, fire-and-forget. Implementations must
// not block; the emitter calls them on the emitting goroutine.
type Sink interface {
	Deliver(Event)
}

// jobStream holds the per-job throttle and subscriber set. One mutex per job
// keeps delivery FIFO within a job without serialising across jobs.
type jobStream struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	subs    []chan Event
}

// Emitter is the rate-limited progress pub/sub. Emit never blocks the
// calling worker: slow subscribers lose intermediate events, terminal events
// evict the oldest buffered event instead of being dropped.
type Emitter struct {
	interval time.Duration

	mu    sync.Mutex
	jobs  map[string]*jobStream
	sinks []Sink
}

// NewEmitter creates an emitter coalescing non-terminal events to at most one
// per interval per job.
func NewEmitter(interval time.Duration, sinks ...Sink) *Emitter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Emitter{
		interval: interval,
		jobs:     make(map[string]*jobStream),
		sinks:    sinks,
	}
}

func (e *Emitter) stream(jobID string) *jobStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		js = &jobStream{limiter: rate.NewLimiter(rate.Every(e.interval), 1)}
		e.jobs[jobID] = js
	}
	return js
}

// Subscribe returns a buffered channel of events for one job plus an
// unsubscribe func. The channel is closed on unsubscribe or Release.
func (e *Emitter) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	js := e.stream(jobID)
	ch := make(chan Event, buffer)

	js.mu.Lock()
	js.subs = append(js.subs, ch)
	js.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			js.mu.Lock()
			for i, sub := range js.subs {
				if sub == ch {
					js.subs = append(js.subs[:i], js.subs[i+1:]...)
					close(ch)
					break
				}
			}
			js.mu.Unlock()
		})
	}
	return ch, cancel
}

// Emit delivers ev to the job's subscribers and all sinks, subject to
// per-job throttling. Non-terminal events inside the coalescing window are
// dropped; terminal events are always delivered.
func (e *Emitter) Emit(ev Event) {
	js := e.stream(ev.JobID)

	js.mu.Lock()
	defer js.mu.Unlock()

	if !ev.terminal() && !js.limiter.Allow() {
		return
	}

	for _, sub := range js.subs {
		select {
		case sub <- ev:
		default:
			if ev.terminal() {
				// Make room so the terminal event is never lost.
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- ev:
				default:
				}
			} else {
				log.Debug().Str("jobID", ev.JobID).Msg("subscriber buffer full, dropping progress event")
			}
		}
	}

	for _, sink := range e.sinks {
		sink.Deliver(ev)
	}
}

// Release drops the job's throttle state and closes remaining subscriber
// channels. Called by the registry after Remove.
func (e *Emitter) Release(jobID string) {
	e.mu.Lock()
	js, ok := e.jobs[jobID]
	delete(e.jobs, jobID)
	e.mu.Unlock()

	if !ok {
		return
	}
	js.mu.Lock()
	for _, sub := range js.subs {
		close(sub)
	}
	js.subs = nil
	js.mu.Unlock()
}
