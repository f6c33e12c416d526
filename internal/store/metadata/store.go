package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/common/redis"
	"github.com/voxelforge/engine/pkg/types"
)

// ErrPersistence wraps metadata store read/write failures.
var ErrPersistence = errors.New("metadata persistence failed")

// Redis key prefixes. Each record type lives in its own hash; the cache
// index maps a cache key to the latest completed render id.
const (
	renderKeyPrefix   = "render:"
	cacheKeyPrefix    = "cache:"
	artifactKeyPrefix = "artifact:"
	blobKeyPrefix     = "blob:"
	batchKeyPrefix    = "batch:"
	itemKeyPrefix     = "item:"
	recentRendersKey  = "renders:recent"
	historyKeyPrefix  = "history:"
	statsKey          = "stats"
)

// Aggregate counter fields in the stats hash
const (
	StatRendersCompleted = "renders_completed"
	StatRendersFailed    = "renders_failed"
	StatCacheHits        = "cache_hits"
	StatBatchesCompleted = "batches_completed"
	StatBatchesFailed    = "batches_failed"
)

// Store is the durable record keeper for renders, artifacts, batch jobs
// and batch items, backed by Redis. Each record is owned by exactly one
// in-flight operation, so per-key hash updates need no transactions.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewStore creates a metadata store over an established Redis client.
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{redis: client, logger: logger}
}

// InsertRender persists a new running RenderRecord and indexes it for
// recent/history queries.
func (s *Store) InsertRender(ctx context.Context, r *types.RenderRecord) error {
	if err := s.redis.HSet(ctx, renderKeyPrefix+r.ID, flattenHash(renderToHash(r))...); err != nil {
		return fmt.Errorf("%w: insert render: %v", ErrPersistence, err)
	}

	score := float64(r.StartTime.UnixMilli())
	if err := s.redis.ZAdd(ctx, recentRendersKey, score, r.ID); err != nil {
		return fmt.Errorf("%w: index render: %v", ErrPersistence, err)
	}
	if err := s.redis.ZAdd(ctx, historyKeyPrefix+r.InputHash, score, r.ID); err != nil {
		return fmt.Errorf("%w: index render history: %v", ErrPersistence, err)
	}

	return nil
}

// CompleteRender marks a render completed and publishes it as the
// authoritative cache entry for its (inputHash, optionsKey) pair.
func (s *Store) CompleteRender(ctx context.Context, r *types.RenderRecord, key types.CacheKey) error {
	r.Status = types.RenderStatusCompleted
	r.EndTime = time.Now().UTC()
	r.Duration = r.EndTime.Sub(r.StartTime)

	if err := s.redis.HSet(ctx, renderKeyPrefix+r.ID, flattenHash(renderToHash(r))...); err != nil {
		return fmt.Errorf("%w: complete render: %v", ErrPersistence, err)
	}

	// Latest completed render wins the cache slot for this key
	if err := s.redis.Set(ctx, cacheKeyPrefix+key.String(), r.ID); err != nil {
		return fmt.Errorf("%w: update cache index: %v", ErrPersistence, err)
	}

	if _, err := s.redis.HIncrBy(ctx, statsKey, StatRendersCompleted, 1); err != nil {
		s.logger.Warn("Failed to bump completed counter", zap.Error(err))
	}

	return nil
}

// FailRender marks a render errored. The record is terminal afterward.
func (s *Store) FailRender(ctx context.Context, r *types.RenderRecord, errMsg string) error {
	r.Status = types.RenderStatusError
	r.EndTime = time.Now().UTC()
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.ErrorMessage = errMsg

	if err := s.redis.HSet(ctx, renderKeyPrefix+r.ID, flattenHash(renderToHash(r))...); err != nil {
		return fmt.Errorf("%w: fail render: %v", ErrPersistence, err)
	}

	if _, err := s.redis.HIncrBy(ctx, statsKey, StatRendersFailed, 1); err != nil {
		s.logger.Warn("Failed to bump failed counter", zap.Error(err))
	}

	return nil
}

// GetRender fetches a RenderRecord by id. Returns nil when missing.
func (s *Store) GetRender(ctx context.Context, id string) (*types.RenderRecord, error) {
	data, err := s.redis.HGetAll(ctx, renderKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("%w: get render: %v", ErrPersistence, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	record, err := renderFromHash(data)
	if err != nil {
		s.logger.Error("Failed to parse render record",
			zap.String("render_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("%w: parse render: %v", ErrPersistence, err)
	}

	return record, nil
}

// LookupCompleted returns the most recent completed RenderRecord for the
// cache key, or nil on a miss.
func (s *Store) LookupCompleted(ctx context.Context, key types.CacheKey) (*types.RenderRecord, error) {
	id, err := s.redis.Get(ctx, cacheKeyPrefix+key.String())
	if err != nil {
		return nil, fmt.Errorf("%w: cache lookup: %v", ErrPersistence, err)
	}
	if id == "" {
		return nil, nil
	}

	record, err := s.GetRender(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Status != types.RenderStatusCompleted {
		return nil, nil
	}

	return record, nil
}

// RecordCacheHit bumps the aggregate cache-hit counter.
func (s *Store) RecordCacheHit(ctx context.Context) {
	if _, err := s.redis.HIncrBy(ctx, statsKey, StatCacheHits, 1); err != nil {
		s.logger.Warn("Failed to bump cache hit counter", zap.Error(err))
	}
}

// TouchBlob updates access metadata for a content blob.
func (s *Store) TouchBlob(ctx context.Context, hash string, size int64) error {
	key := blobKeyPrefix + hash

	if _, err := s.redis.HIncrBy(ctx, key, "access_count", 1); err != nil {
		return fmt.Errorf("%w: touch blob: %v", ErrPersistence, err)
	}
	if err := s.redis.HSet(ctx, key,
		"last_accessed", time.Now().UTC().UnixMilli(),
		"size", size); err != nil {
		return fmt.Errorf("%w: touch blob: %v", ErrPersistence, err)
	}

	return nil
}

// SaveArtifact persists an artifact record keyed by render id and type.
func (s *Store) SaveArtifact(ctx context.Context, a *types.Artifact) error {
	key := artifactKeyPrefix + a.RecordID + ":" + a.Type
	if err := s.redis.HSet(ctx, key, flattenHash(artifactToHash(a))...); err != nil {
		return fmt.Errorf("%w: save artifact: %v", ErrPersistence, err)
	}
	return nil
}

// GetArtifact fetches the artifact of a given type for a render. Returns
// nil when missing.
func (s *Store) GetArtifact(ctx context.Context, recordID, artifactType string) (*types.Artifact, error) {
	data, err := s.redis.HGetAll(ctx, artifactKeyPrefix+recordID+":"+artifactType)
	if err != nil {
		return nil, fmt.Errorf("%w: get artifact: %v", ErrPersistence, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	artifact, err := artifactFromHash(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse artifact: %v", ErrPersistence, err)
	}
	return artifact, nil
}

// CreateBatch persists a new running BatchJob.
func (s *Store) CreateBatch(ctx context.Context, j *types.BatchJob) error {
	if err := s.redis.HSet(ctx, batchKeyPrefix+j.ID, flattenHash(batchToHash(j))...); err != nil {
		return fmt.Errorf("%w: create batch: %v", ErrPersistence, err)
	}
	return nil
}

// GetBatch fetches a BatchJob by id. Returns nil when missing.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.BatchJob, error) {
	data, err := s.redis.HGetAll(ctx, batchKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("%w: get batch: %v", ErrPersistence, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	job, err := batchFromHash(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse batch: %v", ErrPersistence, err)
	}
	return job, nil
}

// IncrBatchCounter atomically increments one of the batch counters
// (succeeded, failed, cached) as items reach terminal status.
func (s *Store) IncrBatchCounter(ctx context.Context, batchID, field string) error {
	if _, err := s.redis.HIncrBy(ctx, batchKeyPrefix+batchID, field, 1); err != nil {
		return fmt.Errorf("%w: increment %s: %v", ErrPersistence, field, err)
	}
	return nil
}

// FinalizeBatch writes the terminal state of a BatchJob and bumps the
// aggregate batch counters.
func (s *Store) FinalizeBatch(ctx context.Context, j *types.BatchJob) error {
	j.FinishedAt = time.Now().UTC()
	j.Duration = j.FinishedAt.Sub(j.CreatedAt)

	if err := s.redis.HSet(ctx, batchKeyPrefix+j.ID, flattenHash(batchToHash(j))...); err != nil {
		return fmt.Errorf("%w: finalize batch: %v", ErrPersistence, err)
	}

	counter := StatBatchesCompleted
	if j.Status == types.BatchStatusError {
		counter = StatBatchesFailed
	}
	if _, err := s.redis.HIncrBy(ctx, statsKey, counter, 1); err != nil {
		s.logger.Warn("Failed to bump batch counter", zap.Error(err))
	}

	return nil
}

// AddItem persists a BatchItem and links it to its job.
func (s *Store) AddItem(ctx context.Context, i *types.BatchItem) error {
	if err := s.redis.HSet(ctx, itemKeyPrefix+i.ID, flattenHash(itemToHash(i))...); err != nil {
		return fmt.Errorf("%w: add item: %v", ErrPersistence, err)
	}
	if err := s.redis.RPush(ctx, batchKeyPrefix+i.BatchID+":items", i.ID); err != nil {
		return fmt.Errorf("%w: link item: %v", ErrPersistence, err)
	}
	return nil
}

// UpdateItem writes the terminal state of a BatchItem.
func (s *Store) UpdateItem(ctx context.Context, i *types.BatchItem) error {
	if err := s.redis.HSet(ctx, itemKeyPrefix+i.ID, flattenHash(itemToHash(i))...); err != nil {
		return fmt.Errorf("%w: update item: %v", ErrPersistence, err)
	}
	return nil
}

// ListItems returns all items of a batch in archive order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]*types.BatchItem, error) {
	ids, err := s.redis.LRange(ctx, batchKeyPrefix+batchID+":items", 0, -1)
	if err != nil {
		return nil, fmt.Errorf("%w: list items: %v", ErrPersistence, err)
	}

	items := make([]*types.BatchItem, 0, len(ids))
	for _, id := range ids {
		data, err := s.redis.HGetAll(ctx, itemKeyPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("%w: get item: %v", ErrPersistence, err)
		}
		if len(data) == 0 {
			continue
		}
		item, err := itemFromHash(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parse item: %v", ErrPersistence, err)
		}
		items = append(items, item)
	}

	return items, nil
}

// RecentRenders returns up to count of the most recently started renders.
func (s *Store) RecentRenders(ctx context.Context, count int) ([]*types.RenderRecord, error) {
	ids, err := s.redis.ZRevRange(ctx, recentRendersKey, int64(count))
	if err != nil {
		return nil, fmt.Errorf("%w: recent renders: %v", ErrPersistence, err)
	}
	return s.fetchRenders(ctx, ids)
}

// History returns the render history for one input file, newest first.
func (s *Store) History(ctx context.Context, inputHash string, count int) ([]*types.RenderRecord, error) {
	ids, err := s.redis.ZRevRange(ctx, historyKeyPrefix+inputHash, int64(count))
	if err != nil {
		return nil, fmt.Errorf("%w: render history: %v", ErrPersistence, err)
	}
	return s.fetchRenders(ctx, ids)
}

// Stats returns the aggregate counters for the introspection surface.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	data, err := s.redis.HGetAll(ctx, statsKey)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", ErrPersistence, err)
	}

	stats := make(map[string]int64, len(data))
	for field, value := range data {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping unparsable stats field",
				zap.String("field", field),
				zap.String("value", value))
			continue
		}
		stats[field] = n
	}

	return stats, nil
}

func (s *Store) fetchRenders(ctx context.Context, ids []string) ([]*types.RenderRecord, error) {
	records := make([]*types.RenderRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetRender(ctx, id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}
