package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
)

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		EmitInterval:       time.Millisecond,
		CheckpointInterval: 5 * time.Millisecond,
		MaxRetries:         1,
		BackoffSchedule:    []time.Duration{time.Millisecond},
		SampleInterval:     50 * time.Millisecond,
		MonitorJoinTimeout: time.Second,
	}
}

func runPipeline(t *testing.T, body job.Body) job.Snapshot {
	return runPipelineWith(t, body, testJobsConfig())
}

func runPipelineWith(t *testing.T, body job.Body, cfg config.JobsConfig) job.Snapshot {
	t.Helper()

	emitter := job.NewEmitter(time.Millisecond)
	rec, err := job.NewRecord(job.KindPlaylistDownload, body, emitter, cfg, 0)
	require.NoError(t, err)

	term := make(chan job.Snapshot, 1)
	rec.OnTerminal(func(s job.Snapshot) { term <- s })
	require.NoError(t, rec.Start(context.Background()))

	select {
	case s := <-term:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never finished")
		return job.Snapshot{}
	}
}

// newPlaylistServer serves /playlist as a JSON item list and /item/N as item
// content. broken items return 500.
func newPlaylistServer(t *testing.T, items int, broken map[int]bool) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/playlist", func(w http.ResponseWriter, r *http.Request) {
		urls := make([]string, 0, items)
		for i := 0; i < items; i++ {
			urls = append(urls, fmt.Sprintf("%s/item/%d", srv.URL, i))
		}
		json.NewEncoder(w).Encode(urls)
	})
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/item/%d", &n)
		if broken[n] {
			http.Error(w, "broken item", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "content of item %d", n)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewValidation(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = New(Input{}, store, nil)
	assert.Equal(t, job.CodeValidation, job.CodeOf(err))

	_, err = New(Input{Playlists: []string{"http://x"}}, nil, nil)
	assert.Equal(t, job.CodeValidation, job.CodeOf(err))
}

func TestPlaylistDownloadCompletes(t *testing.T) {
	srv := newPlaylistServer(t, 4, nil)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{Playlists: []string{srv.URL + "/playlist"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Contains(t, snap.Artifact, "file://")
	assert.Equal(t, int64(1), snap.Stats["playlists_total"])
	assert.Equal(t, int64(4), snap.Stats["items_found"])
	assert.Equal(t, int64(4), snap.Stats["items_downloaded"])
	assert.Greater(t, snap.Stats["bytes_downloaded"], int64(0))
}

func TestPlaylistManyItemsCompletes(t *testing.T) {
	// A tight memory budget calibrates the pool down to one worker with
	// four-slot buffers; far more items than that must still all be
	// transferred and the job must still reach a terminal state.
	const numItems = 30
	srv := newPlaylistServer(t, numItems, nil)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{Playlists: []string{srv.URL + "/playlist"}}, store, srv.Client())
	require.NoError(t, err)

	cfg := testJobsConfig()
	cfg.MaxAllowedMemoryMB = 64

	snap := runPipelineWith(t, p, cfg)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, int64(numItems), snap.Stats["items_found"])
	assert.Equal(t, int64(numItems), snap.Stats["items_downloaded"])
	assert.Zero(t, snap.Stats["items_failed"])
}

func TestPlaylistToleratesPartialFailure(t *testing.T) {
	srv := newPlaylistServer(t, 3, map[int]bool{1: true})
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{Playlists: []string{srv.URL + "/playlist"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, int64(2), snap.Stats["items_downloaded"])
	assert.Equal(t, int64(1), snap.Stats["items_failed"])
}

func TestPlaylistAllItemsFailedFails(t *testing.T) {
	srv := newPlaylistServer(t, 2, map[int]bool{0: true, 1: true})
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{Playlists: []string{srv.URL + "/playlist"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, job.CodePipeline, snap.Error.Code)
}

func TestPlaylistEmptyDiscoveryFails(t *testing.T) {
	srv := newPlaylistServer(t, 0, nil)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{Playlists: []string{srv.URL + "/playlist"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, job.CodePipeline, snap.Error.Code)
}
