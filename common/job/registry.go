package job

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// HistorySink receives terminal snapshots after removal. Appends must be
// quick or internally asynchronous; a failed append never affects the job's
// own completion status.
type HistorySink interface {
	Append(Snapshot) error
}

// Registry owns all live job records behind a single mutex. Job bodies hold
// only the job ID, never the record. Remove is the sole release point; no
// background expiry ever drops a record.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*Record
	emitter *Emitter
	history HistorySink
}

// NewRegistry creates an empty registry. history may be nil.
func NewRegistry(emitter *Emitter, history HistorySink) *Registry {
	return &Registry{
		jobs:    make(map[string]*Record),
		emitter: emitter,
		history: history,
	}
}

// Emitter returns the shared progress emitter.
func (r *Registry) Emitter() *Emitter {
	return r.emitter
}

// Add registers a record and marks it Queued.
func (r *Registry) Add(rec *Record) error {
	r.mu.Lock()
	if _, exists := r.jobs[rec.ID()]; exists {
		r.mu.Unlock()
		return ErrDuplicateJob
	}
	r.jobs[rec.ID()] = rec
	r.mu.Unlock()

	// Outside the lock: markQueued emits through the record, and the registry
	// mutex is never held across record or body calls.
	rec.markQueued()
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	return rec, ok
}

// Remove releases a terminal record, forwards its final snapshot to the
// history sink and drops its emitter state. Removing a live job is refused.
func (r *Registry) Remove(id string) (Snapshot, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	snap := rec.Status()
	if !snap.State.Terminal() {
		r.mu.Unlock()
		return Snapshot{}, ErrNotTerminal
	}
	delete(r.jobs, id)
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.Release(id)
	}
	if r.history != nil {
		if err := r.history.Append(snap); err != nil {
			log.Warn().Err(err).Str("jobID", id).Msg("failed to append job to history")
		}
	}
	return snap, nil
}

// List returns snapshots of all live jobs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	recs := lo.Values(r.jobs)
	r.mu.Unlock()

	snaps := lo.Map(recs, func(rec *Record, _ int) Snapshot {
		return rec.Status()
	})
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
