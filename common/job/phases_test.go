package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseTableBoundaries(t *testing.T) {
	tests := []struct {
		kind  Kind
		phase string
		frac  float64
		want  int
	}{
		{KindFileProcessing, "validate", 0, 0},
		{KindFileProcessing, "validate", 1, 10},
		{KindFileProcessing, "process", 0, 10},
		{KindFileProcessing, "process", 0.5, 52},
		{KindFileProcessing, "process", 1, 95},
		{KindFileProcessing, "finalize", 1, 100},
		{KindPlaylistDownload, "discovery", 1, 10},
		{KindPlaylistDownload, "transfer", 1, 90},
		{KindPlaylistDownload, "finalize", 1, 100},
		{KindScrapeExtract, "fetch", 1, 15},
		{KindScrapeExtract, "extract", 1, 90},
		{KindScrapeExtract, "finalize", 1, 100},
	}

	for _, tt := range tests {
		got := PhasesFor(tt.kind).Percent(tt.phase, tt.frac)
		assert.Equal(t, tt.want, got, "%s/%s frac=%v", tt.kind, tt.phase, tt.frac)
	}
}

func TestPhaseTableClamps(t *testing.T) {
	table := PhasesFor(KindFileProcessing)

	assert.Equal(t, 0, table.Percent("validate", -1))
	assert.Equal(t, 95, table.Percent("process", 2))
	assert.Equal(t, 0, table.Percent("no-such-phase", 0.5))
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"file_processing", "playlist_download", "scrape_extract"} {
		kind, err := ParseKind(s)
		assert.NoError(t, err)
		assert.Equal(t, Kind(s), kind)
	}

	_, err := ParseKind("mystery")
	assert.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled, StateTimedOut}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}
	live := []State{StatePending, StateQueued, StateInitializing, StateRunning, StateCancelling}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestTransitionGraph(t *testing.T) {
	assert.True(t, canTransition(StatePending, StateQueued))
	assert.True(t, canTransition(StateQueued, StateInitializing))
	assert.True(t, canTransition(StateInitializing, StateRunning))
	assert.True(t, canTransition(StateRunning, StateCompleted))
	assert.True(t, canTransition(StateRunning, StateCancelling))
	assert.True(t, canTransition(StateCancelling, StateCancelled))
	assert.True(t, canTransition(StateCancelling, StateTimedOut))

	// Cancelled is only reachable through Cancelling.
	assert.False(t, canTransition(StateRunning, StateCancelled))
	assert.False(t, canTransition(StatePending, StateCancelled))

	// Terminal states are frozen.
	assert.False(t, canTransition(StateCompleted, StateRunning))
	assert.False(t, canTransition(StateFailed, StateCancelling))
	assert.False(t, canTransition(StateCancelled, StateCompleted))
}
