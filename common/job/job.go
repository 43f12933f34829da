package job

import (
	"fmt"
	"time"
)

// Kind identifies which pipeline a job runs.
type Kind string

const (
	KindFileProcessing   Kind = "file_processing"
	KindPlaylistDownload Kind = "playlist_download"
	KindScrapeExtract    Kind = "scrape_extract"
)

// ParseKind validates a kind coming from an API request.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFileProcessing, KindPlaylistDownload, KindScrapeExtract:
		return Kind(s), nil
	}
	return "", NewValidationError("unknown job kind %q", s)
}

// State is the lifecycle state of a job record.
type State string

const (
	StatePending      State = "pending"
	StateQueued       State = "queued"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateCancelling   State = "cancelling"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
	StateTimedOut     State = "timed_out"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// transitions is the only legal state graph. A transition absent from this
// map is a programming error, not a recoverable condition.
var transitions = map[State][]State{
	StatePending:      {StateQueued, StateInitializing, StateCancelling},
	StateQueued:       {StateInitializing, StateCancelling},
	StateInitializing: {StateRunning, StateCancelling, StateFailed, StateTimedOut},
	StateRunning:      {StateCompleted, StateFailed, StateCancelling, StateTimedOut},
	StateCancelling:   {StateCancelled, StateTimedOut},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorInfo carries the machine-readable code and human-readable message of a
// terminal failure.
type ErrorInfo struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Snapshot is an immutable copy of a record's observable fields, safe for
// cross-goroutine reads and for serialising over the API.
type Snapshot struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	State       State            `json:"state"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	Stats       map[string]int64 `json:"stats,omitempty"`
	Artifact    string           `json:"artifact,omitempty"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("job %s [%s] %s %d%%", s.ID, s.Kind, s.State, s.Progress)
}
