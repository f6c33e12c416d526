package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/common/config"
	"github.com/voxelforge/engine/internal/common/redis"
	"github.com/voxelforge/engine/pkg/types"
)

func setupTestStore(t *testing.T) *Store {
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(&config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewStore(client, zap.NewNop())
}

func newTestRecord(id, inputHash string) *types.RenderRecord {
	return &types.RenderRecord{
		ID:              id,
		InputHash:       inputHash,
		Kind:            types.KindImage,
		Status:          types.RenderStatusRunning,
		StartTime:       time.Now().UTC().Truncate(time.Millisecond),
		OptionsSnapshot: types.DefaultRenderOptions().CanonicalJSON(),
		Source:          "test",
		Requester:       "tester",
	}
}

func TestStore_RenderLifecycle_Completed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := newTestRecord("r1", "hash1")
	require.NoError(t, store.InsertRender(ctx, record))

	got, err := store.GetRender(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RenderStatusRunning, got.Status)
	assert.Equal(t, "hash1", got.InputHash)
	assert.Equal(t, types.KindImage, got.Kind)

	key := types.CacheKey{InputHash: "hash1", OptionsKey: types.DefaultRenderOptions().OptionsKey()}
	record.OutputSize = 1234
	record.ElementCount = 42
	require.NoError(t, store.CompleteRender(ctx, record, key))

	got, err = store.GetRender(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RenderStatusCompleted, got.Status)
	assert.Equal(t, int64(1234), got.OutputSize)
	assert.Equal(t, 42, got.ElementCount)
	assert.False(t, got.EndTime.IsZero())
	assert.GreaterOrEqual(t, got.Duration, time.Duration(0))
}

func TestStore_GetRender_Missing(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetRender(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_LookupCompleted_HitAndMiss(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := types.CacheKey{InputHash: "hash1", OptionsKey: "opts1"}

	// Miss before any render
	got, err := store.LookupCompleted(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	record := newTestRecord("r1", "hash1")
	require.NoError(t, store.InsertRender(ctx, record))

	// Still a miss while running
	got, err = store.LookupCompleted(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.CompleteRender(ctx, record, key))

	got, err = store.LookupCompleted(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)
}

func TestStore_LookupCompleted_FailedRenderNotCached(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := newTestRecord("r1", "hash1")
	require.NoError(t, store.InsertRender(ctx, record))
	require.NoError(t, store.FailRender(ctx, record, "engine crashed"))

	got, err := store.GetRender(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RenderStatusError, got.Status)
	assert.Equal(t, "engine crashed", got.ErrorMessage)

	key := types.CacheKey{InputHash: "hash1", OptionsKey: types.DefaultRenderOptions().OptionsKey()}
	cached, err := store.LookupCompleted(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestStore_LookupCompleted_LatestWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := types.CacheKey{InputHash: "hash1", OptionsKey: "opts1"}

	first := newTestRecord("r1", "hash1")
	require.NoError(t, store.InsertRender(ctx, first))
	require.NoError(t, store.CompleteRender(ctx, first, key))

	second := newTestRecord("r2", "hash1")
	require.NoError(t, store.InsertRender(ctx, second))
	require.NoError(t, store.CompleteRender(ctx, second, key))

	got, err := store.LookupCompleted(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r2", got.ID)
}

func TestStore_Artifacts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	artifact := &types.Artifact{
		RecordID:  "r1",
		InputHash: "hash1",
		Type:      types.ArtifactImage,
		Path:      "abcdef",
		Size:      2048,
		Width:     1280,
		Height:    720,
	}
	require.NoError(t, store.SaveArtifact(ctx, artifact))

	got, err := store.GetArtifact(ctx, "r1", types.ArtifactImage)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, artifact, got)

	missing, err := store.GetArtifact(ctx, "r1", types.ArtifactThumbnail)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_BatchLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := &types.BatchJob{
		ID:              "b1",
		Requester:       "tester",
		TotalItems:      3,
		Status:          types.BatchStatusRunning,
		OptionsSnapshot: types.DefaultRenderOptions().CanonicalJSON(),
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		SkippedFiles:    []string{"bad.txt: unsupported extension"},
	}
	require.NoError(t, store.CreateBatch(ctx, job))

	for i, name := range []string{"a.schem", "b.schem", "c.schem"} {
		item := &types.BatchItem{
			ID:       string(rune('x' + i)),
			BatchID:  "b1",
			Filename: name,
			Status:   types.ItemStatusPending,
		}
		require.NoError(t, store.AddItem(ctx, item))
	}

	require.NoError(t, store.IncrBatchCounter(ctx, "b1", "succeeded"))
	require.NoError(t, store.IncrBatchCounter(ctx, "b1", "succeeded"))
	require.NoError(t, store.IncrBatchCounter(ctx, "b1", "failed"))

	got, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 3, got.TotalItems)
	assert.Equal(t, []string{"bad.txt: unsupported extension"}, got.SkippedFiles)

	items, err := store.ListItems(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a.schem", items[0].Filename)
	assert.Equal(t, "c.schem", items[2].Filename)

	got.Status = types.BatchStatusCompleted
	require.NoError(t, store.FinalizeBatch(ctx, got))

	final, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompleted, final.Status)
	assert.False(t, final.FinishedAt.IsZero())
}

func TestStore_ItemTerminalState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	item := &types.BatchItem{
		ID:       "i1",
		BatchID:  "b1",
		Filename: "castle.schem",
		Status:   types.ItemStatusPending,
	}
	require.NoError(t, store.AddItem(ctx, item))

	item.Status = types.ItemStatusRendered
	item.InputHash = "hash1"
	item.RenderID = "r1"
	item.Duration = 3 * time.Second
	require.NoError(t, store.UpdateItem(ctx, item))

	items, err := store.ListItems(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.ItemStatusRendered, items[0].Status)
	assert.Equal(t, "r1", items[0].RenderID)
	assert.Equal(t, 3*time.Second, items[0].Duration)
}

func TestStore_RecentRendersAndHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	older := newTestRecord("r1", "hash1")
	older.StartTime = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.InsertRender(ctx, older))

	newer := newTestRecord("r2", "hash1")
	require.NoError(t, store.InsertRender(ctx, newer))

	other := newTestRecord("r3", "hash2")
	require.NoError(t, store.InsertRender(ctx, other))

	recent, err := store.RecentRenders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "r1", recent[2].ID, "oldest render last")

	history, err := store.History(ctx, "hash1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[0].ID, "newest render first")
}

func TestStore_Stats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := newTestRecord("r1", "hash1")
	require.NoError(t, store.InsertRender(ctx, record))
	require.NoError(t, store.CompleteRender(ctx, record,
		types.CacheKey{InputHash: "hash1", OptionsKey: "opts1"}))

	store.RecordCacheHit(ctx)
	store.RecordCacheHit(ctx)

	failed := newTestRecord("r2", "hash2")
	require.NoError(t, store.InsertRender(ctx, failed))
	require.NoError(t, store.FailRender(ctx, failed, "boom"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatRendersCompleted])
	assert.Equal(t, int64(1), stats[StatRendersFailed])
	assert.Equal(t, int64(2), stats[StatCacheHits])
}

func TestStore_TouchBlob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.TouchBlob(ctx, "hash1", 1000))
	require.NoError(t, store.TouchBlob(ctx, "hash1", 1000))
}
