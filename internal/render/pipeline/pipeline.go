package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/internal/render/metrics"
	"github.com/voxelforge/engine/internal/render/session"
	"github.com/voxelforge/engine/internal/store/content"
	"github.com/voxelforge/engine/internal/store/metadata"
	"github.com/voxelforge/engine/pkg/types"
)

// Thumbnail dimensions for image renders
const (
	thumbnailWidth  = 320
	thumbnailHeight = 180
)

// Video recording parameters
const (
	videoDuration  = 8 * time.Second
	videoFrameRate = 30
)

// Pool is the slice of the session pool the pipeline needs.
type Pool interface {
	Acquire(ctx context.Context, opts types.RenderOptions, requestID string) (*session.Session, error)
	Release(s *session.Session)
}

// Config tunes engine interaction deadlines.
type Config struct {
	RenderTimeout time.Duration
	PollInterval  time.Duration
}

// Result is the outcome of a render request.
type Result struct {
	Output    []byte
	RecordID  string
	InputHash string
	CacheHit  bool
}

// Pipeline turns structure bytes into cached render artifacts. Every
// render is recorded; identical input and options reuse the latest
// completed record instead of rendering again.
type Pipeline struct {
	pool             Pool
	driver           engine.Driver
	content          *content.Store
	meta             *metadata.Store
	metricsCollector *metrics.MetricsCollector
	config           Config
	logger           *zap.Logger
}

// New creates a render pipeline.
func New(pool Pool, driver engine.Driver, contentStore *content.Store, meta *metadata.Store,
	metricsCollector *metrics.MetricsCollector, config Config, logger *zap.Logger,
) *Pipeline {
	if config.RenderTimeout <= 0 {
		config.RenderTimeout = 120 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}

	return &Pipeline{
		pool:             pool,
		driver:           driver,
		content:          contentStore,
		meta:             meta,
		metricsCollector: metricsCollector,
		config:           config,
		logger:           logger,
	}
}

// Render produces the requested output for the input bytes, serving from
// cache when an identical render already completed.
func (p *Pipeline) Render(ctx context.Context, requestID string, input []byte, opts types.RenderOptions,
	kind types.RenderKind, prov types.Provenance,
) (*Result, error) {
	opts.Normalize()

	inputHash := content.Hash(input)
	key := types.CacheKey{InputHash: inputHash, OptionsKey: opts.OptionsKey()}

	if result := p.lookupCached(ctx, requestID, key, kind); result != nil {
		return result, nil
	}

	return p.renderFresh(ctx, requestID, input, inputHash, key, opts, kind, prov)
}

// Lookup is the read-only cache path: it returns the cached result or nil
// without ever rendering. Used by the batch engine's cache fast path.
func (p *Pipeline) Lookup(ctx context.Context, requestID string, inputHash string, opts types.RenderOptions,
	kind types.RenderKind,
) *Result {
	opts.Normalize()
	key := types.CacheKey{InputHash: inputHash, OptionsKey: opts.OptionsKey()}
	return p.lookupCached(ctx, requestID, key, kind)
}

// lookupCached attempts to serve from the cache. Read failures are soft:
// they log and fall through to a miss so a degraded store never blocks
// rendering.
func (p *Pipeline) lookupCached(ctx context.Context, requestID string, key types.CacheKey, kind types.RenderKind) *Result {
	record, err := p.meta.LookupCompleted(ctx, key)
	if err != nil {
		p.logger.Warn("Cache lookup failed, falling through to render",
			zap.String("request_id", requestID),
			zap.String("input_hash", key.InputHash),
			zap.Error(err))
		return nil
	}
	if record == nil || record.Kind != kind {
		return nil
	}

	artifact, err := p.meta.GetArtifact(ctx, record.ID, artifactType(kind))
	if err != nil || artifact == nil {
		if err != nil {
			p.logger.Warn("Artifact lookup failed, falling through to render",
				zap.String("request_id", requestID),
				zap.String("render_id", record.ID),
				zap.Error(err))
		}
		return nil
	}

	output, err := p.content.Get(artifact.Path)
	if err != nil {
		p.logger.Warn("Cached artifact unreadable, falling through to render",
			zap.String("request_id", requestID),
			zap.String("render_id", record.ID),
			zap.String("artifact_path", artifact.Path),
			zap.Error(err))
		return nil
	}

	p.meta.RecordCacheHit(ctx)
	if err := p.meta.TouchBlob(ctx, key.InputHash, artifact.Size); err != nil {
		p.logger.Warn("Failed to touch blob on cache hit", zap.Error(err))
	}
	if p.metricsCollector != nil {
		p.metricsCollector.RecordRenderCached()
	}

	p.logger.Info("Render served from cache",
		zap.String("request_id", requestID),
		zap.String("render_id", record.ID),
		zap.String("input_hash", key.InputHash))

	return &Result{
		Output:    output,
		RecordID:  record.ID,
		InputHash: key.InputHash,
		CacheHit:  true,
	}
}

// renderFresh runs the full miss path: persist input, record the attempt,
// drive the engine, store the artifact, complete the record.
func (p *Pipeline) renderFresh(ctx context.Context, requestID string, input []byte, inputHash string,
	key types.CacheKey, opts types.RenderOptions, kind types.RenderKind, prov types.Provenance,
) (*Result, error) {
	if _, err := p.content.Put(input); err != nil {
		return nil, fmt.Errorf("store input: %w", err)
	}

	record := &types.RenderRecord{
		ID:              uuid.NewString(),
		InputHash:       inputHash,
		Kind:            kind,
		Status:          types.RenderStatusRunning,
		StartTime:       time.Now().UTC(),
		OptionsSnapshot: opts.CanonicalJSON(),
		Source:          prov.Source,
		Requester:       prov.Requester,
	}
	if err := p.meta.InsertRender(ctx, record); err != nil {
		return nil, err
	}

	output, thumb, elementCount, err := p.driveEngine(ctx, requestID, record.ID, input, opts, kind)
	if err != nil {
		p.failRecord(ctx, record, err)
		p.recordFailureMetrics(err)
		return nil, err
	}

	record.OutputSize = int64(len(output))
	record.ElementCount = elementCount

	if err := p.storeArtifacts(ctx, record, output, thumb, opts, kind); err != nil {
		p.failRecord(ctx, record, err)
		return nil, err
	}

	if err := p.meta.CompleteRender(ctx, record, key); err != nil {
		return nil, err
	}
	if err := p.meta.TouchBlob(ctx, inputHash, int64(len(input))); err != nil {
		p.logger.Warn("Failed to touch blob after render", zap.Error(err))
	}

	if p.metricsCollector != nil {
		p.metricsCollector.RecordRenderSuccess()
		p.metricsCollector.RecordRenderDuration(record.Duration.Seconds())
	}

	p.logger.Info("Render completed",
		zap.String("request_id", requestID),
		zap.String("render_id", record.ID),
		zap.String("input_hash", inputHash),
		zap.String("kind", string(kind)),
		zap.Duration("duration", record.Duration),
		zap.Int("element_count", elementCount),
		zap.Int64("output_size", record.OutputSize))

	return &Result{
		Output:    output,
		RecordID:  record.ID,
		InputHash: inputHash,
	}, nil
}

// driveEngine acquires a session and runs the engine scripting sequence.
// The session is always released before returning.
func (p *Pipeline) driveEngine(ctx context.Context, requestID, recordID string, input []byte,
	opts types.RenderOptions, kind types.RenderKind,
) (output, thumb []byte, elementCount int, err error) {
	s, err := p.pool.Acquire(ctx, opts, requestID)
	if err != nil {
		return nil, nil, 0, err
	}
	defer p.pool.Release(s)

	sessionCtx, err := s.Context()
	if err != nil {
		return nil, nil, 0, err
	}

	loadResult, err := p.driver.LoadInput(sessionCtx, recordID, input, p.config.RenderTimeout, p.config.PollInterval)
	if err != nil {
		return nil, nil, 0, err
	}
	elementCount = loadResult.ElementCount

	if err := p.driver.ApplyAdjustments(sessionCtx, opts); err != nil {
		return nil, nil, 0, err
	}

	switch kind {
	case types.KindVideo:
		output, err = p.driver.RecordVideo(sessionCtx, videoDuration, opts.Width, opts.Height, videoFrameRate)
	default:
		output, err = p.driver.CaptureImage(sessionCtx, opts.Width, opts.Height, opts.Format)
	}
	if err != nil {
		return nil, nil, 0, err
	}

	// Thumbnail rides along on the same session while the scene is loaded
	if kind == types.KindImage {
		var thumbErr error
		thumb, thumbErr = p.driver.CaptureImage(sessionCtx, thumbnailWidth, thumbnailHeight, opts.Format)
		if thumbErr != nil {
			p.logger.Warn("Thumbnail capture failed",
				zap.String("request_id", requestID),
				zap.String("render_id", recordID),
				zap.Error(thumbErr))
			thumb = nil
		}
	}

	return output, thumb, elementCount, nil
}

// storeArtifacts persists the primary output and any thumbnail captured
// alongside it.
func (p *Pipeline) storeArtifacts(ctx context.Context, record *types.RenderRecord, output, thumb []byte,
	opts types.RenderOptions, kind types.RenderKind,
) error {
	outputHash, err := p.content.Put(output)
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	artifact := &types.Artifact{
		RecordID:  record.ID,
		InputHash: record.InputHash,
		Type:      artifactType(kind),
		Path:      outputHash,
		Size:      int64(len(output)),
		Width:     opts.Width,
		Height:    opts.Height,
	}
	if err := p.meta.SaveArtifact(ctx, artifact); err != nil {
		return err
	}

	if len(thumb) > 0 {
		thumbHash, err := p.content.Put(thumb)
		if err != nil {
			p.logger.Warn("Failed to store thumbnail", zap.Error(err))
		} else {
			thumbArtifact := &types.Artifact{
				RecordID:  record.ID,
				InputHash: record.InputHash,
				Type:      types.ArtifactThumbnail,
				Path:      thumbHash,
				Size:      int64(len(thumb)),
				Width:     thumbnailWidth,
				Height:    thumbnailHeight,
			}
			if err := p.meta.SaveArtifact(ctx, thumbArtifact); err != nil {
				p.logger.Warn("Failed to save thumbnail artifact", zap.Error(err))
			}
		}
	}

	return nil
}

// failRecord marks the record errored, best effort.
func (p *Pipeline) failRecord(ctx context.Context, record *types.RenderRecord, cause error) {
	if err := p.meta.FailRender(ctx, record, cause.Error()); err != nil {
		p.logger.Error("Failed to mark render errored",
			zap.String("render_id", record.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) recordFailureMetrics(err error) {
	if p.metricsCollector == nil {
		return
	}
	if errors.Is(err, engine.ErrRenderTimeout) {
		p.metricsCollector.RecordRenderTimeout()
		p.metricsCollector.RecordTimeoutError()
		return
	}
	p.metricsCollector.RecordRenderError()
	p.metricsCollector.RecordRenderErrorMetric()
}

func artifactType(kind types.RenderKind) string {
	if kind == types.KindVideo {
		return types.ArtifactVideo
	}
	return types.ArtifactImage
}
