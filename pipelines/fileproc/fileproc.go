// Package fileproc is the bulk file processing pipeline: it validates a set
// of input files, chunks each file concurrently and uploads a processing
// manifest as the job artifact.
package fileproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
	"github.com/tasklineio/jobrunner-http-service/common/work"
)

const defaultChunkSize = 1 << 20 // 1MB

// Input describes one bulk processing request.
type Input struct {
	Files     []string `json:"files"`
	ChunkSize int      `json:"chunk_size,omitempty"`
}

// fileReport is the per-file entry in the manifest.
type fileReport struct {
	Path        string   `json:"path"`
	SizeBytes   int64    `json:"size_bytes"`
	Chunks      int      `json:"chunks"`
	ChunkHashes []string `json:"chunk_hashes"`
}

// manifest is the artifact uploaded on completion.
type manifest struct {
	GeneratedAt time.Time    `json:"generated_at"`
	ChunkSize   int          `json:"chunk_size"`
	Files       []fileReport `json:"files"`
}

// Pipeline implements job.Body for bulk file processing.
type Pipeline struct {
	input Input
	store storage.StorageService
}

// New validates the input synchronously. A bad request never becomes a job.
func New(input Input, store storage.StorageService) (*Pipeline, error) {
	if len(input.Files) == 0 {
		return nil, job.NewValidationError("at least one file is required")
	}
	if input.ChunkSize < 0 {
		return nil, job.NewValidationError("chunk size must not be negative")
	}
	if input.ChunkSize == 0 {
		input.ChunkSize = defaultChunkSize
	}
	if store == nil {
		return nil, job.NewValidationError("artifact storage is required")
	}
	return &Pipeline{input: input, store: store}, nil
}

// Run executes the three fixed phases: validate 0-10, process 10-95,
// finalize 95-100.
func (p *Pipeline) Run(ctx context.Context, rc *job.RunContext) (string, error) {
	rc.Stats().Set("files_total", int64(len(p.input.Files)))

	if err := p.validate(rc); err != nil {
		return "", err
	}

	reports, err := p.process(ctx, rc)
	if err != nil {
		return "", err
	}

	return p.finalize(ctx, rc, reports)
}

func (p *Pipeline) validate(rc *job.RunContext) error {
	for i, path := range p.input.Files {
		if err := rc.Checkpoint(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return job.NewValidationError("input file %s: %v", path, err)
		}
		if info.IsDir() {
			return job.NewValidationError("input %s is a directory", path)
		}
		rc.PhaseProgress("validate", float64(i+1)/float64(len(p.input.Files)),
			fmt.Sprintf("validated %s", path), nil)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, rc *job.RunContext) ([]fileReport, error) {
	pool, err := work.NewPool[fileReport](work.ConfigFromCalibration(rc.Calibration()))
	if err != nil {
		return nil, job.NewPipelineError("creating worker pool", err)
	}
	pool.Start(ctx, "fileproc")
	defer pool.Stop()

	// Submission runs alongside the drain below: with more files than the
	// pool's buffers, a sequential submit-everything-first loop would wedge
	// against workers waiting to deliver results.
	submitErr := make(chan error, 1)
	go func() {
		for _, path := range p.input.Files {
			path := path
			task, err := work.NewTask(func(taskCtx context.Context) (fileReport, error) {
				return p.chunkFile(taskCtx, rc, path)
			}, work.WithID[fileReport](path))
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

	reports := make([]fileReport, 0, len(p.input.Files))
	for len(reports) < len(p.input.Files) {
		select {
		case res, ok := <-pool.Results():
			if !ok {
				return nil, job.NewPipelineError("worker pool closed early", nil)
			}
			if res.Error != nil {
				return nil, job.NewPipelineError(fmt.Sprintf("processing %s", res.TaskID), res.Error)
			}
			reports = append(reports, res.Result)
			rc.PhaseProgress("process", float64(len(reports))/float64(len(p.input.Files)),
				fmt.Sprintf("processed %s", res.TaskID),
				map[string]int64{"files_processed": 1})
		case err := <-submitErr:
			if err != nil {
				return nil, err
			}
			submitErr = nil
		case <-rc.Done():
			return nil, rc.Checkpoint()
		}
	}
	return reports, nil
}

// chunkFile reads one file with retry and hashes fixed-size chunks.
func (p *Pipeline) chunkFile(ctx context.Context, rc *job.RunContext, path string) (fileReport, error) {
	var data []byte
	err := rc.Retry(ctx, fmt.Sprintf("read %s", path), func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		return fileReport{}, err
	}

	report := fileReport{Path: path, SizeBytes: int64(len(data))}
	for off := 0; off < len(data); off += p.input.ChunkSize {
		if rc.Cancelled() {
			return fileReport{}, rc.Checkpoint()
		}
		end := off + p.input.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		sum := sha256.Sum256(data[off:end])
		report.ChunkHashes = append(report.ChunkHashes, hex.EncodeToString(sum[:]))
	}
	report.Chunks = len(report.ChunkHashes)

	rc.Stats().Add("chunks_total", int64(report.Chunks))
	rc.Stats().Add("bytes_total", report.SizeBytes)
	return report, nil
}

func (p *Pipeline) finalize(ctx context.Context, rc *job.RunContext, reports []fileReport) (string, error) {
	rc.PhaseProgress("finalize", 0, "writing manifest", nil)

	m := manifest{GeneratedAt: time.Now(), ChunkSize: p.input.ChunkSize, Files: reports}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", job.NewPipelineError("encoding manifest", err)
	}

	name := fmt.Sprintf("fileproc/%d-manifest.json", time.Now().UnixNano())
	ref, err := p.store.Upload(ctx, name, data, "application/json")
	if err != nil {
		return "", job.NewPipelineError("uploading manifest", err)
	}

	log.Info().Int("files", len(reports)).Str("artifact", ref).Msg("file processing manifest written")
	rc.Progress(100, "done", nil)
	return ref, nil
}
