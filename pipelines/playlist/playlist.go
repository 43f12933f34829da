// Package playlist is the multi-playlist download pipeline: it discovers the
// items of each playlist, transfers them through a bounded worker pool and
// uploads a download manifest as the job artifact.
package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
	"github.com/tasklineio/jobrunner-http-service/common/work"
)

// Input describes one multi-playlist download request. Each playlist URL
// must resolve to a JSON array of item URLs.
type Input struct {
	Playlists []string `json:"playlists"`
}

type itemResult struct {
	URL       string `json:"url"`
	Playlist  string `json:"playlist"`
	SizeBytes int64  `json:"size_bytes"`
	Stored    string `json:"stored"`
}

type manifest struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Playlists   []string     `json:"playlists"`
	Items       []itemResult `json:"items"`
}

// Pipeline implements job.Body for multi-playlist download.
type Pipeline struct {
	input  Input
	store  storage.StorageService
	client *http.Client
}

// New validates the input synchronously.
func New(input Input, store storage.StorageService, client *http.Client) (*Pipeline, error) {
	if len(input.Playlists) == 0 {
		return nil, job.NewValidationError("at least one playlist is required")
	}
	if store == nil {
		return nil, job.NewValidationError("artifact storage is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{input: input, store: store, client: client}, nil
}

// Run executes the fixed phases: discovery 0-10, transfer 10-90,
// finalize 90-100.
func (p *Pipeline) Run(ctx context.Context, rc *job.RunContext) (string, error) {
	rc.Stats().Set("playlists_total", int64(len(p.input.Playlists)))

	items, err := p.discover(ctx, rc)
	if err != nil {
		return "", err
	}

	results, err := p.transfer(ctx, rc, items)
	if err != nil {
		return "", err
	}

	return p.finalize(ctx, rc, results)
}

type playlistItem struct {
	playlist string
	url      string
}

// discover paginates through each playlist and collects item URLs.
func (p *Pipeline) discover(ctx context.Context, rc *job.RunContext) ([]playlistItem, error) {
	var items []playlistItem
	for i, plURL := range p.input.Playlists {
		if err := rc.Checkpoint(); err != nil {
			return nil, err
		}

		var urls []string
		err := rc.Retry(ctx, fmt.Sprintf("discover %s", plURL), func() error {
			fetched, fetchErr := p.fetchItemList(ctx, plURL)
			if fetchErr != nil {
				return fetchErr
			}
			urls = fetched
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, u := range urls {
			items = append(items, playlistItem{playlist: plURL, url: u})
		}
		rc.PhaseProgress("discovery", float64(i+1)/float64(len(p.input.Playlists)),
			fmt.Sprintf("discovered %d items in %s", len(urls), plURL),
			map[string]int64{"items_found": int64(len(urls))})
	}
	if len(items) == 0 {
		return nil, job.NewPipelineError("no items found in any playlist", nil)
	}
	return items, nil
}

func (p *Pipeline) fetchItemList(ctx context.Context, playlistURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist %s returned status %d", playlistURL, resp.StatusCode)
	}

	var urls []string
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		return nil, fmt.Errorf("decoding playlist %s: %w", playlistURL, err)
	}
	return urls, nil
}

// transfer downloads every item through the calibrated worker pool.
func (p *Pipeline) transfer(ctx context.Context, rc *job.RunContext, items []playlistItem) ([]itemResult, error) {
	pool, err := work.NewPool[itemResult](work.ConfigFromCalibration(rc.Calibration()))
	if err != nil {
		return nil, job.NewPipelineError("creating worker pool", err)
	}
	pool.Start(ctx, "playlist-transfer")
	defer pool.Stop()

	// Submission runs alongside the drain: with more items than the pool's
	// buffers, submitting everything up front would wedge against workers
	// waiting to deliver results.
	submitErr := make(chan error, 1)
	go func() {
		for idx, item := range items {
			item := item
			objectName := fmt.Sprintf("playlist/%d-item-%d", time.Now().UnixNano(), idx)
			task, err := work.NewTask(func(taskCtx context.Context) (itemResult, error) {
				return p.downloadItem(taskCtx, rc, item, objectName)
			}, work.WithID[itemResult](item.url))
			if err != nil {
				submitErr <- job.NewPipelineError("creating sub-task", err)
				return
			}
			if err := pool.Submit(ctx, task); err != nil {
				submitErr <- job.NewPipelineError("queueing sub-task", err)
				return
			}
		}
		submitErr <- nil
	}()

	results := make([]itemResult, 0, len(items))
	for seen := 0; seen < len(items); {
		select {
		case res, ok := <-pool.Results():
			if !ok {
				return nil, job.NewPipelineError("worker pool closed early", nil)
			}
			seen++
			if res.Error != nil {
				// A single bad item does not sink the whole job; it is counted and
				// reported in the manifest gap.
				log.Warn().Err(res.Error).Str("item", res.TaskID).Msg("item download failed")
				rc.Stats().Add("items_failed", 1)
			} else {
				results = append(results, res.Result)
				rc.Stats().Add("items_downloaded", 1)
				rc.Stats().Add("bytes_downloaded", res.Result.SizeBytes)
			}
			rc.PhaseProgress("transfer", float64(seen)/float64(len(items)),
				fmt.Sprintf("transferred %d/%d items", seen, len(items)), nil)
		case err := <-submitErr:
			if err != nil {
				return nil, err
			}
			submitErr = nil
		case <-rc.Done():
			return nil, rc.Checkpoint()
		}
	}

	if len(results) == 0 {
		return nil, job.NewPipelineError("every item download failed", nil)
	}
	return results, nil
}

func (p *Pipeline) downloadItem(ctx context.Context, rc *job.RunContext, item playlistItem, objectName string) (itemResult, error) {
	var result itemResult
	err := rc.Retry(ctx, fmt.Sprintf("download %s", item.url), func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, item.url, nil)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("item %s returned status %d", item.url, resp.StatusCode)
		}

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		ref, upErr := p.store.Upload(ctx, objectName, data, resp.Header.Get("Content-Type"))
		if upErr != nil {
			return upErr
		}
		result = itemResult{URL: item.url, Playlist: item.playlist, SizeBytes: int64(len(data)), Stored: ref}
		return nil
	})
	return result, err
}

func (p *Pipeline) finalize(ctx context.Context, rc *job.RunContext, results []itemResult) (string, error) {
	rc.PhaseProgress("finalize", 0, "writing manifest", nil)

	m := manifest{GeneratedAt: time.Now(), Playlists: p.input.Playlists, Items: results}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", job.NewPipelineError("encoding manifest", err)
	}

	name := fmt.Sprintf("playlist/%d-manifest.json", time.Now().UnixNano())
	ref, err := p.store.Upload(ctx, name, data, "application/json")
	if err != nil {
		return "", job.NewPipelineError("uploading manifest", err)
	}

	rc.Progress(100, "done", nil)
	return ref, nil
}
