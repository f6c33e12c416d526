package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/batch/extract"
	"github.com/voxelforge/engine/internal/common/config"
	"github.com/voxelforge/engine/internal/common/redis"
	renderengine "github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/internal/render/pipeline"
	"github.com/voxelforge/engine/internal/store/content"
	"github.com/voxelforge/engine/internal/store/metadata"
	"github.com/voxelforge/engine/pkg/types"
)

// fakeRenderer scripts per-input outcomes so batch behavior can be
// exercised without a browser.
type fakeRenderer struct {
	mu      sync.Mutex
	renders map[string]int    // input hash -> render call count
	fail    map[string]error  // input hash -> permanent failure
	flaky   map[string]int    // input hash -> failures before success
	cached  map[string][]byte // input hash -> cached output
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		renders: make(map[string]int),
		fail:    make(map[string]error),
		flaky:   make(map[string]int),
		cached:  make(map[string][]byte),
	}
}

func (r *fakeRenderer) Render(ctx context.Context, requestID string, input []byte,
	opts types.RenderOptions, kind types.RenderKind, prov types.Provenance,
) (*pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := content.Hash(input)
	r.renders[hash]++

	if err, ok := r.fail[hash]; ok {
		return nil, err
	}
	if remaining, ok := r.flaky[hash]; ok && remaining > 0 {
		r.flaky[hash] = remaining - 1
		return nil, fmt.Errorf("%w: renderer process exited", renderengine.ErrEngineCrashed)
	}
	return &pipeline.Result{
		Output:    append([]byte("rendered:"), input...),
		RecordID:  "render-" + hash[:8],
		InputHash: hash,
	}, nil
}

func (r *fakeRenderer) Lookup(ctx context.Context, requestID string, inputHash string,
	opts types.RenderOptions, kind types.RenderKind,
) *pipeline.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	output, ok := r.cached[inputHash]
	if !ok {
		return nil
	}
	return &pipeline.Result{
		Output:    output,
		RecordID:  "render-" + inputHash[:8],
		InputHash: inputHash,
		CacheHit:  true,
	}
}

func (r *fakeRenderer) renderCount(input []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders[content.Hash(input)]
}

func buildArchive(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func setupTestEngine(t *testing.T, renderer Renderer) (*Engine, *metadata.Store) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	meta := metadata.NewStore(client, zap.NewNop())

	dataDir, err := os.MkdirTemp("", "batch-engine-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })

	cfg := Config{
		MaxRetries:    2,
		ProgressEvery: 3,
		MaxResultSize: 25 * 1024 * 1024,
		DataDir:       dataDir,
	}
	extractor := extract.NewExtractor(extract.DefaultLimits(), zap.NewNop())
	return New(renderer, extractor, meta, nil, cfg, zap.NewNop()), meta
}

func waitForBatch(t *testing.T, meta *metadata.Store, jobID string) *types.BatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := meta.GetBatch(context.Background(), jobID)
		require.NoError(t, err)
		require.NotNil(t, job)
		if job.Status != types.BatchStatusRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", jobID)
	return nil
}

func TestEngine_PartialFailure(t *testing.T) {
	renderer := newFakeRenderer()
	badInput := []byte("item-3")
	renderer.fail[content.Hash(badInput)] = fmt.Errorf("%w: structure is corrupt", renderengine.ErrEngineScript)

	e, meta := setupTestEngine(t, renderer)

	members := map[string][]byte{
		"item-1.schem": []byte("item-1"),
		"item-2.schem": []byte("item-2"),
		"item-3.schem": badInput,
		"item-4.schem": []byte("item-4"),
		"item-5.schem": []byte("item-5"),
	}
	jobID, err := e.Submit(context.Background(), buildArchive(t, members),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, types.BatchStatusCompleted, job.Status)
	assert.Equal(t, 5, job.TotalItems)
	assert.Equal(t, 4, job.Succeeded)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, 0, job.Cached)
	assert.NotEmpty(t, job.ResultArchive)

	items, err := meta.ListItems(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	failed := 0
	for _, item := range items {
		if item.Status == types.ItemStatusFailed {
			failed++
			assert.Contains(t, item.ErrorMessage, "structure is corrupt")
		} else {
			assert.Equal(t, types.ItemStatusRendered, item.Status)
			assert.NotEmpty(t, item.RenderID)
		}
	}
	assert.Equal(t, 1, failed)

	// Script faults are permanent: no retries spent on the bad item
	assert.Equal(t, 1, renderer.renderCount(badInput))
}

func TestEngine_ResultArchiveContents(t *testing.T) {
	renderer := newFakeRenderer()
	e, meta := setupTestEngine(t, renderer)

	members := map[string][]byte{
		"castle.schem":           []byte("castle data"),
		"nested/tower.litematic": []byte("tower data"),
	}
	jobID, err := e.Submit(context.Background(), buildArchive(t, members),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	require.Equal(t, types.BatchStatusCompleted, job.Status)
	require.NotEmpty(t, job.ResultArchive)

	data, err := os.ReadFile(job.ResultArchive)
	require.NoError(t, err)
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"castle.png", "tower.png"}, names)
}

func TestEngine_SkipsUnsupportedMembers(t *testing.T) {
	renderer := newFakeRenderer()
	e, meta := setupTestEngine(t, renderer)

	members := map[string][]byte{
		"castle.schem": []byte("castle data"),
		"tower.nbt":    []byte("tower data"),
		"readme.txt":   []byte("not renderable"),
	}
	jobID, err := e.Submit(context.Background(), buildArchive(t, members),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, 2, job.TotalItems)
	assert.Equal(t, 2, job.Succeeded)
	require.Len(t, job.SkippedFiles, 1)
	assert.Contains(t, job.SkippedFiles[0], "readme.txt")
}

func TestEngine_InvalidArchiveRejectedSynchronously(t *testing.T) {
	renderer := newFakeRenderer()
	e, _ := setupTestEngine(t, renderer)

	_, err := e.Submit(context.Background(), []byte("not a zip archive"),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	assert.ErrorIs(t, err, extract.ErrArchiveValidation)
}

func TestEngine_AllItemsFailMarksJobError(t *testing.T) {
	renderer := newFakeRenderer()
	input := []byte("broken")
	renderer.fail[content.Hash(input)] = fmt.Errorf("%w: bad structure", renderengine.ErrEngineScript)

	e, meta := setupTestEngine(t, renderer)

	jobID, err := e.Submit(context.Background(),
		buildArchive(t, map[string][]byte{"broken.schem": input}),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, types.BatchStatusError, job.Status)
	assert.Equal(t, 0, job.Succeeded)
	assert.Equal(t, 1, job.Failed)
	assert.NotEmpty(t, job.ErrorMessage)
	assert.Empty(t, job.ResultArchive)
}

func TestEngine_TransientFailureRetried(t *testing.T) {
	renderer := newFakeRenderer()
	input := []byte("flaky item")
	renderer.flaky[content.Hash(input)] = 2

	e, meta := setupTestEngine(t, renderer)

	jobID, err := e.Submit(context.Background(),
		buildArchive(t, map[string][]byte{"flaky.schem": input}),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, types.BatchStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Succeeded)

	// Two crashes, then success on the final attempt
	assert.Equal(t, 3, renderer.renderCount(input))
}

func TestEngine_RetriesExhausted(t *testing.T) {
	renderer := newFakeRenderer()
	input := []byte("always crashes")
	renderer.flaky[content.Hash(input)] = 10

	e, meta := setupTestEngine(t, renderer)

	jobID, err := e.Submit(context.Background(),
		buildArchive(t, map[string][]byte{"crash.schem": input}),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, types.BatchStatusError, job.Status)
	assert.Equal(t, 1, job.Failed)

	// Initial attempt plus MaxRetries
	assert.Equal(t, 3, renderer.renderCount(input))
}

func TestEngine_CacheFastPath(t *testing.T) {
	renderer := newFakeRenderer()
	input := []byte("already rendered")
	renderer.cached[content.Hash(input)] = []byte("cached output")

	e, meta := setupTestEngine(t, renderer)

	jobID, err := e.Submit(context.Background(),
		buildArchive(t, map[string][]byte{"known.schem": input}),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	assert.Equal(t, types.BatchStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Cached)
	assert.Equal(t, 1, job.Succeeded)
	assert.Equal(t, 0, renderer.renderCount(input))

	items, err := meta.ListItems(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.ItemStatusCached, items[0].Status)
}

func TestEngine_DuplicateResultNamesDisambiguated(t *testing.T) {
	renderer := newFakeRenderer()
	e, meta := setupTestEngine(t, renderer)

	// Different directories, same base name: both outputs must survive
	members := map[string][]byte{
		"a/castle.schem": []byte("castle variant a"),
		"b/castle.schem": []byte("castle variant b"),
	}
	jobID, err := e.Submit(context.Background(), buildArchive(t, members),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	require.Equal(t, types.BatchStatusCompleted, job.Status)

	data, err := os.ReadFile(job.ResultArchive)
	require.NoError(t, err)
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, r.File, 2)

	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.Len(t, names, 2)
	assert.True(t, names["castle.png"])
}

func TestEngine_ProgressReported(t *testing.T) {
	renderer := newFakeRenderer()
	e, meta := setupTestEngine(t, renderer)

	var mu sync.Mutex
	var snapshots []types.BatchProgress
	e.SetProgressFunc(func(p types.BatchProgress) {
		mu.Lock()
		snapshots = append(snapshots, p)
		mu.Unlock()
	})

	members := map[string][]byte{}
	for i := 0; i < 7; i++ {
		members[fmt.Sprintf("item-%d.schem", i)] = []byte(fmt.Sprintf("item %d", i))
	}
	jobID, err := e.Submit(context.Background(), buildArchive(t, members),
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)
	waitForBatch(t, meta, jobID)

	mu.Lock()
	defer mu.Unlock()
	// Cadence of 3 over 7 items: after 3, 6, and the final 7th
	require.Len(t, snapshots, 3)
	assert.Equal(t, 3, snapshots[0].Completed)
	assert.Equal(t, 6, snapshots[1].Completed)
	assert.Equal(t, 7, snapshots[2].Completed)
	assert.Equal(t, 7, snapshots[2].Total)
	assert.Equal(t, 7, snapshots[2].Succeeded)
}

func TestEngine_SourceArchivePersisted(t *testing.T) {
	renderer := newFakeRenderer()
	e, meta := setupTestEngine(t, renderer)

	archive := buildArchive(t, map[string][]byte{"castle.schem": []byte("data")})
	jobID, err := e.Submit(context.Background(), archive,
		types.DefaultRenderOptions(), types.KindImage, "tester")
	require.NoError(t, err)

	job := waitForBatch(t, meta, jobID)
	require.NotEmpty(t, job.SourceArchive)
	assert.Equal(t, filepath.Join(e.config.DataDir, "batches", jobID, "source.zip"), job.SourceArchive)

	stored, err := os.ReadFile(job.SourceArchive)
	require.NoError(t, err)
	assert.Equal(t, archive, stored)
}
