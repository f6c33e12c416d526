package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/batch/extract"
	renderengine "github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/internal/render/metrics"
	"github.com/voxelforge/engine/internal/render/pipeline"
	"github.com/voxelforge/engine/internal/render/session"
	"github.com/voxelforge/engine/internal/store/content"
	"github.com/voxelforge/engine/internal/store/metadata"
	"github.com/voxelforge/engine/pkg/types"
)

// Renderer is the slice of the render pipeline the batch engine drives.
type Renderer interface {
	Render(ctx context.Context, requestID string, input []byte, opts types.RenderOptions,
		kind types.RenderKind, prov types.Provenance) (*pipeline.Result, error)
	Lookup(ctx context.Context, requestID string, inputHash string, opts types.RenderOptions,
		kind types.RenderKind) *pipeline.Result
}

// Config tunes batch pacing and retry behavior.
type Config struct {
	MaxRetries    int
	RetryCooldown time.Duration
	ItemDelay     time.Duration
	RestEvery     int
	RestDelay     time.Duration
	ProgressEvery int
	MaxResultSize int64
	DataDir       string
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		RetryCooldown: 5 * time.Second,
		ItemDelay:     2 * time.Second,
		RestEvery:     5,
		RestDelay:     5 * time.Second,
		ProgressEvery: 3,
		MaxResultSize: 25 * 1024 * 1024,
		DataDir:       "data",
	}
}

// ProgressFunc receives periodic progress snapshots while a batch runs.
type ProgressFunc func(types.BatchProgress)

// Engine runs archive batch jobs: extract, render each member through the
// shared pipeline, package successes into a result archive. Items within
// a job run sequentially; jobs run concurrently with each other and with
// single renders, all gated by the session pool.
type Engine struct {
	renderer         Renderer
	extractor        *extract.Extractor
	meta             *metadata.Store
	metricsCollector *metrics.MetricsCollector
	config           Config
	logger           *zap.Logger
	onProgress       ProgressFunc
}

// New creates a batch engine.
func New(renderer Renderer, extractor *extract.Extractor, meta *metadata.Store,
	metricsCollector *metrics.MetricsCollector, config Config, logger *zap.Logger,
) *Engine {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Engine{
		renderer:         renderer,
		extractor:        extractor,
		meta:             meta,
		metricsCollector: metricsCollector,
		config:           config,
		logger:           logger,
	}
}

// SetProgressFunc installs an observer for progress snapshots.
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.onProgress = fn
}

// Submit validates and extracts the archive synchronously, persists the
// job, then runs it in the background. Fatal archive violations surface
// to the caller; the returned job id is immediately queryable.
func (e *Engine) Submit(ctx context.Context, archive []byte, opts types.RenderOptions,
	kind types.RenderKind, requester string,
) (string, error) {
	opts.Normalize()

	extracted, err := e.extractor.Extract(archive)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()

	jobDir := filepath.Join(e.config.DataDir, "batches", jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		os.RemoveAll(extracted.WorkDir)
		return "", fmt.Errorf("create job dir: %w", err)
	}

	sourcePath := filepath.Join(jobDir, "source.zip")
	if err := os.WriteFile(sourcePath, archive, 0o644); err != nil {
		os.RemoveAll(extracted.WorkDir)
		return "", fmt.Errorf("persist source archive: %w", err)
	}

	job := &types.BatchJob{
		ID:              jobID,
		Requester:       requester,
		TotalItems:      len(extracted.Members),
		Status:          types.BatchStatusRunning,
		OptionsSnapshot: opts.CanonicalJSON(),
		CreatedAt:       time.Now().UTC(),
		SourceArchive:   sourcePath,
		SkippedFiles:    extracted.Skipped,
	}
	if err := e.meta.CreateBatch(ctx, job); err != nil {
		os.RemoveAll(extracted.WorkDir)
		return "", err
	}

	items := make([]*types.BatchItem, 0, len(extracted.Members))
	for _, m := range extracted.Members {
		item := &types.BatchItem{
			ID:       uuid.NewString(),
			BatchID:  jobID,
			Filename: m.Name,
			Status:   types.ItemStatusPending,
		}
		if err := e.meta.AddItem(ctx, item); err != nil {
			os.RemoveAll(extracted.WorkDir)
			return "", err
		}
		items = append(items, item)
	}

	e.logger.Info("Batch job submitted",
		zap.String("job_id", jobID),
		zap.String("requester", requester),
		zap.Int("total_items", job.TotalItems),
		zap.Int("skipped", len(extracted.Skipped)))

	go e.run(job, items, extracted, opts, kind)

	return jobID, nil
}

// run executes a batch to completion. The temp workspace is always removed.
func (e *Engine) run(job *types.BatchJob, items []*types.BatchItem, extracted *extract.Result,
	opts types.RenderOptions, kind types.RenderKind,
) {
	defer os.RemoveAll(extracted.WorkDir)

	ctx := context.Background()
	start := time.Now().UTC()

	type success struct {
		memberName string
		output     []byte
	}
	var successes []success

	for i, item := range items {
		member := extracted.Members[i]

		if i > 0 {
			e.pause(e.config.ItemDelay)
			if e.config.RestEvery > 0 && i%e.config.RestEvery == 0 {
				e.logger.Debug("Batch pacing rest",
					zap.String("job_id", job.ID),
					zap.Int("items_done", i))
				e.pause(e.config.RestDelay)
			}
		}

		itemStart := time.Now().UTC()
		result, cached, err := e.renderItem(ctx, job, item, member, opts, kind)
		item.Duration = time.Since(itemStart)

		switch {
		case err != nil:
			item.Status = types.ItemStatusFailed
			item.ErrorMessage = err.Error()
			job.Failed++
			e.bumpCounter(ctx, job.ID, "failed")
			e.recordItemMetric(types.ItemStatusFailed)
			e.logger.Warn("Batch item failed",
				zap.String("job_id", job.ID),
				zap.String("item_id", item.ID),
				zap.String("filename", item.Filename),
				zap.Error(err))
		case cached:
			item.Status = types.ItemStatusCached
			item.InputHash = result.InputHash
			item.RenderID = result.RecordID
			job.Cached++
			job.Succeeded++
			e.bumpCounter(ctx, job.ID, "cached")
			e.bumpCounter(ctx, job.ID, "succeeded")
			e.recordItemMetric(types.ItemStatusCached)
			successes = append(successes, success{member.Name, result.Output})
		default:
			item.Status = types.ItemStatusRendered
			item.InputHash = result.InputHash
			item.RenderID = result.RecordID
			job.Succeeded++
			e.bumpCounter(ctx, job.ID, "succeeded")
			e.recordItemMetric(types.ItemStatusRendered)
			successes = append(successes, success{member.Name, result.Output})
		}

		if err := e.meta.UpdateItem(ctx, item); err != nil {
			e.logger.Error("Failed to persist item state",
				zap.String("item_id", item.ID),
				zap.Error(err))
		}

		e.reportProgress(job, i+1, start)
	}

	if len(successes) > 0 {
		resultPath := filepath.Join(e.config.DataDir, "batches", job.ID, "result.zip")
		members := make([]resultMember, 0, len(successes))
		for _, s := range successes {
			members = append(members, resultMember{
				name: resultMemberName(s.memberName, opts, kind),
				data: s.output,
			})
		}
		size, err := writeResultArchive(resultPath, members)
		if err != nil {
			e.logger.Error("Failed to package batch results",
				zap.String("job_id", job.ID),
				zap.Error(err))
		} else {
			job.ResultArchive = resultPath
			if size > e.config.MaxResultSize {
				// Still completed; delivery happens by download reference
				e.logger.Warn("Result archive exceeds inline delivery size",
					zap.String("job_id", job.ID),
					zap.Int64("size", size),
					zap.Int64("limit", e.config.MaxResultSize))
			}
		}
	}

	job.Status = types.BatchStatusCompleted
	if job.Succeeded == 0 {
		job.Status = types.BatchStatusError
		job.ErrorMessage = "no items rendered successfully"
	}

	if err := e.meta.FinalizeBatch(ctx, job); err != nil {
		e.logger.Error("Failed to finalize batch",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	if e.metricsCollector != nil {
		if job.Status == types.BatchStatusCompleted {
			e.metricsCollector.RecordBatchCompleted()
		} else {
			e.metricsCollector.RecordBatchFailed()
		}
	}

	e.logger.Info("Batch job finished",
		zap.String("job_id", job.ID),
		zap.String("status", job.Status),
		zap.Int("succeeded", job.Succeeded),
		zap.Int("failed", job.Failed),
		zap.Int("cached", job.Cached),
		zap.Duration("duration", time.Since(start)))
}

// renderItem runs one member through the cache fast path, then renders
// with retries on transient faults.
func (e *Engine) renderItem(ctx context.Context, job *types.BatchJob, item *types.BatchItem,
	member extract.Member, opts types.RenderOptions, kind types.RenderKind,
) (*pipeline.Result, bool, error) {
	input, err := os.ReadFile(member.Path)
	if err != nil {
		return nil, false, fmt.Errorf("read member: %w", err)
	}

	inputHash := content.Hash(input)
	if result := e.renderer.Lookup(ctx, item.ID, inputHash, opts, kind); result != nil {
		return result, true, nil
	}

	prov := types.Provenance{Source: "batch:" + job.ID, Requester: job.Requester}

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Info("Retrying batch item",
				zap.String("job_id", job.ID),
				zap.String("item_id", item.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			e.pause(e.config.RetryCooldown)
		}

		result, err := e.renderer.Render(ctx, item.ID, input, opts, kind, prov)
		if err == nil {
			return result, result.CacheHit, nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	return nil, false, lastErr
}

// reportProgress emits a progress snapshot at the configured cadence and
// on the final item.
func (e *Engine) reportProgress(job *types.BatchJob, completed int, start time.Time) {
	if e.config.ProgressEvery <= 0 {
		return
	}
	if completed%e.config.ProgressEvery != 0 && completed != job.TotalItems {
		return
	}

	var eta time.Duration
	if completed > 0 {
		perItem := time.Since(start) / time.Duration(completed)
		eta = perItem * time.Duration(job.TotalItems-completed)
	}

	progress := types.BatchProgress{
		JobID:     job.ID,
		Total:     job.TotalItems,
		Completed: completed,
		Succeeded: job.Succeeded,
		Failed:    job.Failed,
		Cached:    job.Cached,
		ETA:       eta,
	}

	e.logger.Info("Batch progress",
		zap.String("job_id", progress.JobID),
		zap.Int("completed", progress.Completed),
		zap.Int("total", progress.Total),
		zap.Int("succeeded", progress.Succeeded),
		zap.Int("failed", progress.Failed),
		zap.Int("cached", progress.Cached),
		zap.Duration("eta", progress.ETA))

	if e.onProgress != nil {
		e.onProgress(progress)
	}
}

func (e *Engine) bumpCounter(ctx context.Context, jobID, field string) {
	if err := e.meta.IncrBatchCounter(ctx, jobID, field); err != nil {
		e.logger.Warn("Failed to bump batch counter",
			zap.String("job_id", jobID),
			zap.String("field", field),
			zap.Error(err))
	}
}

func (e *Engine) recordItemMetric(state string) {
	if e.metricsCollector != nil {
		e.metricsCollector.RecordBatchItem(state)
	}
}

// pause sleeps for d if positive. Tests run with zero delays.
func (e *Engine) pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// isRetryable reports whether a render failure is worth another attempt.
// Engine crashes, timeouts and pool saturation are transient; script
// faults mean the input itself cannot render.
func isRetryable(err error) bool {
	return errors.Is(err, renderengine.ErrEngineCrashed) ||
		errors.Is(err, renderengine.ErrRenderTimeout) ||
		errors.Is(err, renderengine.ErrEngineNotReady) ||
		errors.Is(err, session.ErrResourceExhausted) ||
		errors.Is(err, session.ErrSessionInit)
}

// resultMemberName renames an archive member after its render output.
func resultMemberName(memberName string, opts types.RenderOptions, kind types.RenderKind) string {
	base := strings.TrimSuffix(filepath.Base(memberName), filepath.Ext(memberName))
	if kind == types.KindVideo {
		return base + "." + types.FormatWebM
	}
	return base + "." + opts.Format
}

// resultMember is one output destined for the result archive.
type resultMember struct {
	name string
	data []byte
}

// writeResultArchive packages outputs into a zip at path and returns its
// size. Duplicate member names get a numeric suffix.
func writeResultArchive(path string, members []resultMember) (int64, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	seen := make(map[string]int)
	for _, m := range members {
		final := m.name
		if n := seen[m.name]; n > 0 {
			ext := filepath.Ext(m.name)
			final = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(m.name, ext), n, ext)
		}
		seen[m.name]++

		f, err := w.Create(final)
		if err != nil {
			return 0, fmt.Errorf("create archive member: %w", err)
		}
		if _, err := f.Write(m.data); err != nil {
			return 0, fmt.Errorf("write archive member: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("persist archive: %w", err)
	}

	return int64(buf.Len()), nil
}
