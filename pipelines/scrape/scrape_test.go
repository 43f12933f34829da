package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>Page %d</title></head>
<body>
<nav>ignore this chrome</nav>
<article>
<h1>Heading %d</h1>
<p>Body text for page %d with a <a href="https://example.com">link</a>.</p>
</article>
</body>
</html>`

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
	rec, err := job.NewRecord(job.KindScrapeExtract, body, emitter, cfg, 0)
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

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/page/%d", &n)
		fmt.Fprintf(w, pageTemplate, n, n, n)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewValidation(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = New(Input{}, store, nil)
	assert.Equal(t, job.CodeValidation, job.CodeOf(err))

	_, err = New(Input{URLs: []string{"not a url"}}, store, nil)
	assert.Equal(t, job.CodeValidation, job.CodeOf(err))

	_, err = New(Input{URLs: []string{"http://example.com"}}, nil, nil)
	assert.Equal(t, job.CodeValidation, job.CodeOf(err))
}

func TestScrapeExtractCompletes(t *testing.T) {
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{
		URLs:     []string{srv.URL + "/page/1", srv.URL + "/page/2"},
		Selector: "article",
	}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, int64(2), snap.Stats["urls_total"])
	assert.Equal(t, int64(2), snap.Stats["urls_fetched"])
	assert.Equal(t, int64(2), snap.Stats["documents"])

	// The artifact is a readable JSON bundle with the extracted markdown.
	u, err := url.Parse(snap.Artifact)
	require.NoError(t, err)
	require.Equal(t, "file", u.Scheme)
	data, err := storage.ReadLocalRef(snap.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Heading 1")
	assert.NotContains(t, string(data), "ignore this chrome")
}

func TestScrapeManyPagesCompletes(t *testing.T) {
	// A tight memory budget calibrates the pool down to one worker with
	// four-slot buffers; far more URLs than that must still all be fetched
	// and the job must still reach a terminal state.
	const numPages = 24
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	urls := make([]string, 0, numPages)
	for i := 0; i < numPages; i++ {
		urls = append(urls, fmt.Sprintf("%s/page/%d", srv.URL, i))
	}

	p, err := New(Input{URLs: urls, Selector: "article"}, store, srv.Client())
	require.NoError(t, err)

	cfg := testJobsConfig()
	cfg.MaxAllowedMemoryMB = 64

	snap := runPipelineWith(t, p, cfg)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, int64(numPages), snap.Stats["urls_fetched"])
	assert.Equal(t, int64(numPages), snap.Stats["documents"])
	assert.Zero(t, snap.Stats["urls_failed"])
}

func TestScrapeSkipsEmptySelector(t *testing.T) {
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{
		URLs:     []string{srv.URL + "/page/1"},
		Selector: "section.absent",
	}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	// Nothing matched anywhere, so there is nothing to bundle.
	assert.Equal(t, job.StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, job.CodePipeline, snap.Error.Code)
	assert.Equal(t, int64(1), snap.Stats["pages_empty"])
}

func TestScrapeToleratesPartialFetchFailure(t *testing.T) {
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{
		URLs: []string{srv.URL + "/page/1", srv.URL + "/missing"},
	}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateCompleted, snap.State)
	assert.Equal(t, int64(1), snap.Stats["urls_fetched"])
	assert.Equal(t, int64(1), snap.Stats["urls_failed"])
}

func TestScrapeAllFetchesFailedFails(t *testing.T) {
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{URLs: []string{srv.URL + "/missing"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	assert.Equal(t, job.CodePipeline, snap.Error.Code)
}

func TestDefaultSelectorIsBody(t *testing.T) {
	srv := newPageServer(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	p, err := New(Input{URLs: []string{srv.URL + "/page/7"}}, store, srv.Client())
	require.NoError(t, err)

	snap := runPipeline(t, p)
	assert.Equal(t, job.StateCompleted, snap.State)

	data, err := storage.ReadLocalRef(snap.Artifact)
	require.NoError(t, err)
	// With no selector the whole body is converted, chrome included.
	assert.True(t, strings.Contains(string(data), "ignore this chrome"))
}
