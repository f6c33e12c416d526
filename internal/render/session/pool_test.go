package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/pkg/types"
)

func testPoolConfig(size int) *Config {
	cfg := DefaultConfig()
	cfg.PoolSize = fmt.Sprintf("%d", size)
	cfg.AcquireTimeout = 100 * time.Millisecond
	return cfg
}

// stubLauncher creates browserless sessions and counts launches
func stubLauncher(launches *atomic.Int32) Launcher {
	return func(ctx context.Context, opts types.RenderOptions, requestID string) (*Session, error) {
		n := launches.Add(1)
		return NewSession(fmt.Sprintf("s-%d", n), requestID, zap.NewNop()), nil
	}
}

func newTestPool(t *testing.T, size int, launcher Launcher) *Pool {
	pool, err := NewPoolWithLauncher(testPoolConfig(size), launcher, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })
	return pool
}

func TestPool_AcquireRelease(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 2, stubLauncher(&launches))

	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "req-1", s.RequestID)

	status := pool.Status()
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.Available)

	pool.Release(s)

	status = pool.Status()
	assert.Equal(t, 0, status.Active)
	assert.Equal(t, 2, status.Available)
	assert.Equal(t, int64(1), status.TotalLaunched)
}

func TestPool_ConcurrencyBound(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 2, stubLauncher(&launches))

	opts := types.DefaultRenderOptions()

	first, err := pool.Acquire(context.Background(), opts, "req-1")
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background(), opts, "req-2")
	require.NoError(t, err)

	// Pool is saturated: the N+1th acquire must time out
	_, err = pool.Acquire(context.Background(), opts, "req-3")
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// Releasing one makes the next acquire succeed
	pool.Release(first)
	third, err := pool.Acquire(context.Background(), opts, "req-3")
	require.NoError(t, err)

	pool.Release(second)
	pool.Release(third)
	assert.Equal(t, 2, pool.Status().Available)
}

func TestPool_LaunchFailure_ReturnsToken(t *testing.T) {
	failing := func(ctx context.Context, opts types.RenderOptions, requestID string) (*Session, error) {
		return nil, fmt.Errorf("%w: browser exploded", ErrSessionInit)
	}
	pool := newTestPool(t, 1, failing)

	_, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	assert.ErrorIs(t, err, ErrSessionInit)

	// The slot must be free again, not leaked
	assert.Equal(t, 1, pool.Status().Available)

	var launches atomic.Int32
	pool.launcher = stubLauncher(&launches)
	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-2")
	require.NoError(t, err)
	pool.Release(s)
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 2, stubLauncher(&launches))

	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)

	pool.Release(s)
	pool.Release(s)
	pool.Release(nil)

	assert.Equal(t, 2, pool.Status().Available)
}

func TestPool_ReapStale(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 2, stubLauncher(&launches))

	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)

	// Backdate the session so it looks leaked
	s.createdAt = time.Now().UTC().Add(-time.Hour)

	reaped := pool.ReapStale(5 * time.Minute)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 2, pool.Status().Available)
	assert.Equal(t, int64(1), pool.Status().TotalReaped)

	// Releasing the reaped session afterward must not double-free the slot
	pool.Release(s)
	assert.Equal(t, 2, pool.Status().Available)
}

func TestPool_ReapStale_KeepsFreshSessions(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 2, stubLauncher(&launches))

	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)

	reaped := pool.ReapStale(5 * time.Minute)
	assert.Equal(t, 0, reaped)
	assert.Equal(t, 1, pool.Status().Active)

	pool.Release(s)
}

func TestPool_AcquireUnderSaturation_ReapsStale(t *testing.T) {
	var launches atomic.Int32
	cfg := testPoolConfig(1)
	cfg.MaxSessionAge = 5 * time.Minute
	pool, err := NewPoolWithLauncher(cfg, stubLauncher(&launches), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })

	leaked, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)
	leaked.createdAt = time.Now().UTC().Add(-time.Hour)

	// Saturated pool reclaims the stale session instead of timing out
	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, "req-2", s.RequestID)

	pool.Release(s)
}

func TestPool_AcquireAfterShutdown(t *testing.T) {
	var launches atomic.Int32
	pool, err := NewPoolWithLauncher(testPoolConfig(1), stubLauncher(&launches), nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown())

	_, err = pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPool_Shutdown_ClosesActiveSessions(t *testing.T) {
	var launches atomic.Int32
	cfg := testPoolConfig(2)
	cfg.ShutdownTimeout = 100 * time.Millisecond
	pool, err := NewPoolWithLauncher(cfg, stubLauncher(&launches), nil, zap.NewNop())
	require.NoError(t, err)

	s, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown())

	_, err = s.Context()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestPool_AcquireContextCanceled(t *testing.T) {
	var launches atomic.Int32
	pool := newTestPool(t, 1, stubLauncher(&launches))

	held, err := pool.Acquire(context.Background(), types.DefaultRenderOptions(), "req-1")
	require.NoError(t, err)
	defer pool.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.Acquire(ctx, types.DefaultRenderOptions(), "req-2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_CalculatePoolSize_Explicit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = "7"
	assert.Equal(t, 7, cfg.CalculatePoolSize())
}

func TestConfig_CalculatePoolSize_AutoWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = "auto"

	size := cfg.CalculatePoolSize()
	assert.GreaterOrEqual(t, size, 2)
	assert.LessOrEqual(t, size, 50)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.PoolSize = "banana"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PoolSize = "0"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ViewerURL = ""
	assert.Error(t, cfg.Validate())
}
