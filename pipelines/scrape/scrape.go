// Package scrape is the multi-URL scrape-and-extract pipeline: it fetches
// each page, extracts the selected content as markdown and uploads the
// document bundle as the job artifact.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
	"github.com/tasklineio/jobrunner-http-service/common/work"
)

// Input describes one scrape-and-extract request. Selector narrows the
// extracted content; empty means the whole body.
type Input struct {
	URLs     []string `json:"urls"`
	Selector string   `json:"selector,omitempty"`
}

// document is one extracted page.
type document struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

type bundle struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Selector    string     `json:"selector,omitempty"`
	Documents   []document `json:"documents"`
}

// Pipeline implements job.Body for scrape-and-extract.
type Pipeline struct {
	input     Input
	store     storage.StorageService
	client    *http.Client
	converter *md.Converter
}

// New validates the input synchronously.
func New(input Input, store storage.StorageService, client *http.Client) (*Pipeline, error) {
	if len(input.URLs) == 0 {
		return nil, job.NewValidationError("at least one URL is required")
	}
	for _, raw := range input.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, job.NewValidationError("invalid URL %q", raw)
		}
	}
	if store == nil {
		return nil, job.NewValidationError("artifact storage is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		input:     input,
		store:     store,
		client:    client,
		converter: md.NewConverter("", true, nil),
	}, nil
}

// Run executes the fixed phases: fetch 0-15, extract 15-90, finalize 90-100.
func (p *Pipeline) Run(ctx context.Context, rc *job.RunContext) (string, error) {
	rc.Stats().Set("urls_total", int64(len(p.input.URLs)))

	pages, err := p.fetch(ctx, rc)
	if err != nil {
		return "", err
	}

	docs, err := p.extract(rc, pages)
	if err != nil {
		return "", err
	}

	return p.finalize(ctx, rc, docs)
}

type fetchedPage struct {
	url string
	doc *goquery.Document
}

// fetch downloads every page through the calibrated worker pool.
func (p *Pipeline) fetch(ctx context.Context, rc *job.RunContext) ([]fetchedPage, error) {
	pool, err := work.NewPool[fetchedPage](work.ConfigFromCalibration(rc.Calibration()))
	if err != nil {
		return nil, job.NewPipelineError("creating worker pool", err)
	}
	pool.Start(ctx, "scrape-fetch")
	defer pool.Stop()

	// Submission runs alongside the drain: with more URLs than the pool's
	// buffers, submitting everything up front would wedge against workers
	// waiting to deliver results.
	submitErr := make(chan error, 1)
	go func() {
		for _, pageURL := range p.input.URLs {
			pageURL := pageURL
			task, err := work.NewTask(func(taskCtx context.Context) (fetchedPage, error) {
				return p.fetchPage(taskCtx, rc, pageURL)
			}, work.WithID[fetchedPage](pageURL))
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

	pages := make([]fetchedPage, 0, len(p.input.URLs))
	for seen := 0; seen < len(p.input.URLs); {
		select {
		case res, ok := <-pool.Results():
			if !ok {
				return nil, job.NewPipelineError("worker pool closed early", nil)
			}
			seen++
			if res.Error != nil {
				log.Warn().Err(res.Error).Str("url", res.TaskID).Msg("page fetch failed")
				rc.Stats().Add("urls_failed", 1)
			} else {
				pages = append(pages, res.Result)
				rc.Stats().Add("urls_fetched", 1)
			}
			rc.PhaseProgress("fetch", float64(seen)/float64(len(p.input.URLs)),
				fmt.Sprintf("fetched %d/%d pages", seen, len(p.input.URLs)), nil)
		case err := <-submitErr:
			if err != nil {
				return nil, err
			}
			submitErr = nil
		case <-rc.Done():
			return nil, rc.Checkpoint()
		}
	}

	if len(pages) == 0 {
		return nil, job.NewPipelineError("every page fetch failed", nil)
	}
	return pages, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, rc *job.RunContext, pageURL string) (fetchedPage, error) {
	var page fetchedPage
	err := rc.Retry(ctx, fmt.Sprintf("fetch %s", pageURL), func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if reqErr != nil {
			return reqErr
		}
		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("page %s returned status %d", pageURL, resp.StatusCode)
		}

		doc, parseErr := goquery.NewDocumentFromReader(resp.Body)
		if parseErr != nil {
			return fmt.Errorf("parsing page %s: %w", pageURL, parseErr)
		}
		page = fetchedPage{url: pageURL, doc: doc}
		return nil
	})
	return page, err
}

// extract converts the selected content of each fetched page to markdown.
func (p *Pipeline) extract(rc *job.RunContext, pages []fetchedPage) ([]document, error) {
	selector := p.input.Selector
	if selector == "" {
		selector = "body"
	}

	docs := make([]document, 0, len(pages))
	for i, page := range pages {
		if err := rc.Checkpoint(); err != nil {
			return nil, err
		}

		sel := page.doc.Find(selector)
		html, err := sel.Html()
		if err != nil || sel.Length() == 0 {
			log.Warn().Str("url", page.url).Str("selector", selector).Msg("selector matched nothing, skipping page")
			rc.Stats().Add("pages_empty", 1)
			continue
		}

		markdown, err := p.converter.ConvertString(html)
		if err != nil {
			return nil, job.NewPipelineError(fmt.Sprintf("converting %s", page.url), err)
		}

		docs = append(docs, document{
			URL:      page.url,
			Title:    page.doc.Find("title").First().Text(),
			Markdown: markdown,
		})
		rc.Stats().Add("documents", 1)
		rc.PhaseProgress("extract", float64(i+1)/float64(len(pages)),
			fmt.Sprintf("extracted %d/%d documents", i+1, len(pages)), nil)
	}

	if len(docs) == 0 {
		return nil, job.NewPipelineError("no documents extracted", nil)
	}
	return docs, nil
}

func (p *Pipeline) finalize(ctx context.Context, rc *job.RunContext, docs []document) (string, error) {
	rc.PhaseProgress("finalize", 0, "writing document bundle", nil)

	b := bundle{GeneratedAt: time.Now(), Selector: p.input.Selector, Documents: docs}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", job.NewPipelineError("encoding document bundle", err)
	}

	name := fmt.Sprintf("scrape/%d-bundle.json", time.Now().UnixNano())
	ref, err := p.store.Upload(ctx, name, data, "application/json")
	if err != nil {
		return "", job.NewPipelineError("uploading document bundle", err)
	}

	rc.Progress(100, "done", nil)
	return ref, nil
}
