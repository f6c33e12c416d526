package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestState_ConsumeDownloadOneShot(t *testing.T) {
	state := NewState(0, zap.NewNop())

	assert.True(t, state.ConsumeDownload("job-1", "result"))
	assert.False(t, state.ConsumeDownload("job-1", "result"))

	// Source and result grants are independent
	assert.True(t, state.ConsumeDownload("job-1", "source"))
	assert.False(t, state.ConsumeDownload("job-1", "source"))

	// Other jobs are unaffected
	assert.True(t, state.ConsumeDownload("job-2", "result"))
}

func TestState_RateLimit(t *testing.T) {
	state := NewState(3, zap.NewNop())

	for i := 0; i < 3; i++ {
		assert.True(t, state.AllowRequest("alice"), "request %d within budget", i+1)
	}
	assert.False(t, state.AllowRequest("alice"))

	// Budgets are per requester
	assert.True(t, state.AllowRequest("bob"))
}

func TestState_RateLimitAnonymousShared(t *testing.T) {
	state := NewState(2, zap.NewNop())

	assert.True(t, state.AllowRequest(""))
	assert.True(t, state.AllowRequest(""))
	assert.False(t, state.AllowRequest(""))
}

func TestState_RateLimitDisabled(t *testing.T) {
	state := NewState(0, zap.NewNop())

	for i := 0; i < 100; i++ {
		assert.True(t, state.AllowRequest("alice"))
	}
}

func TestState_ShutdownResets(t *testing.T) {
	state := NewState(1, zap.NewNop())

	assert.True(t, state.ConsumeDownload("job-1", "result"))
	assert.True(t, state.AllowRequest("alice"))
	assert.False(t, state.AllowRequest("alice"))

	state.Shutdown()

	assert.True(t, state.ConsumeDownload("job-1", "result"))
	assert.True(t, state.AllowRequest("alice"))
}

func TestState_ConsumeDownloadConcurrent(t *testing.T) {
	state := NewState(0, zap.NewNop())

	const n = 32
	granted := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			granted <- state.ConsumeDownload("job-1", "result")
		}()
	}

	count := 0
	for i := 0; i < n; i++ {
		if <-granted {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one goroutine may win the grant")
}

func TestState_Uptime(t *testing.T) {
	state := NewState(0, zap.NewNop())
	assert.GreaterOrEqual(t, state.Uptime().Nanoseconds(), int64(0))
}

func BenchmarkState_AllowRequest(b *testing.B) {
	state := NewState(1 << 30, zap.NewNop())
	for i := 0; i < b.N; i++ {
		state.AllowRequest(fmt.Sprintf("requester-%d", i%16))
	}
}
