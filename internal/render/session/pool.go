package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/render/metrics"
	"github.com/voxelforge/engine/pkg/types"
)

// Pool bounds rendering concurrency with a buffered token channel. Every
// acquired token corresponds to one live browser session; sessions are
// ephemeral and torn down on release.
type Pool struct {
	config           *Config
	logger           *zap.Logger
	launcher         Launcher
	metricsCollector *metrics.MetricsCollector

	tokens chan struct{}

	active   map[string]*Session // session ID -> session
	activeMu sync.Mutex

	totalLaunched atomic.Int64
	totalReaped   atomic.Int64
	createdAt     time.Time
	capacity      int

	ctx    context.Context
	cancel context.CancelFunc

	reaperWg sync.WaitGroup
}

// PoolStatus is a point-in-time snapshot of pool occupancy.
type PoolStatus struct {
	Capacity      int             `json:"capacity"`
	Active        int             `json:"active"`
	Available     int             `json:"available"`
	TotalLaunched int64           `json:"total_launched"`
	TotalReaped   int64           `json:"total_reaped"`
	Uptime        time.Duration   `json:"uptime"`
	Sessions      []SessionStatus `json:"sessions"`
}

// SessionStatus describes one live session.
type SessionStatus struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Uptime    time.Duration `json:"uptime"`
}

// NewPool creates a session pool backed by headless Chrome.
func NewPool(config *Config, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) (*Pool, error) {
	return NewPoolWithLauncher(config, NewChromeLauncher(config, logger), metricsCollector, logger)
}

// NewPoolWithLauncher creates a pool with a custom session launcher.
// Used by tests to avoid starting real browsers.
func NewPoolWithLauncher(config *Config, launcher Launcher, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	capacity := config.CalculatePoolSize()
	logger.Info("Initializing session pool",
		zap.Int("capacity", capacity),
		zap.Duration("max_session_age", config.MaxSessionAge))

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:           config,
		logger:           logger,
		launcher:         launcher,
		metricsCollector: metricsCollector,
		tokens:           make(chan struct{}, capacity),
		active:           make(map[string]*Session),
		createdAt:        time.Now().UTC(),
		capacity:         capacity,
		ctx:              ctx,
		cancel:           cancel,
	}

	for i := 0; i < capacity; i++ {
		pool.tokens <- struct{}{}
	}

	if metricsCollector != nil {
		metricsCollector.UpdatePoolCapacity(capacity)
		metricsCollector.UpdatePoolActive(0)
	}

	return pool, nil
}

// Acquire waits for a free slot up to the configured acquire timeout, then
// launches a fresh session. The caller must Release the session on every
// path, normally via defer.
func (p *Pool) Acquire(ctx context.Context, opts types.RenderOptions, requestID string) (*Session, error) {
	token, err := p.acquireToken(ctx)
	if err != nil {
		return nil, err
	}
	_ = token

	s, err := p.launcher(ctx, opts, requestID)
	if err != nil {
		p.returnToken()
		p.logger.Error("Session launch failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return nil, err
	}

	p.activeMu.Lock()
	p.active[s.ID] = s
	activeCount := len(p.active)
	p.activeMu.Unlock()

	p.totalLaunched.Add(1)
	p.updateMetrics(activeCount)

	p.logger.Debug("Session acquired",
		zap.String("request_id", requestID),
		zap.String("session_id", s.ID),
		zap.Int("active", activeCount),
		zap.Int("capacity", p.capacity))

	return s, nil
}

// acquireToken waits for capacity. When saturated it reaps stale sessions
// once before giving up with ErrResourceExhausted.
func (p *Pool) acquireToken(ctx context.Context) (struct{}, error) {
	select {
	case <-p.ctx.Done():
		return struct{}{}, ErrPoolShutdown
	case token := <-p.tokens:
		return token, nil
	default:
	}

	// Saturated: stale sessions may be holding tokens
	if reaped := p.ReapStale(p.config.MaxSessionAge); reaped > 0 {
		p.logger.Warn("Reaped stale sessions under pressure",
			zap.Int("reaped", reaped))
	}

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
		return struct{}{}, ErrPoolShutdown
	case <-ctx.Done():
		return struct{}{}, ctx.Err()
	case <-timer.C:
		return struct{}{}, fmt.Errorf("%w: after %s", ErrResourceExhausted, p.config.AcquireTimeout)
	case token := <-p.tokens:
		return token, nil
	}
}

// Release tears down a session and frees its slot. Safe to call more than
// once for the same session.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.activeMu.Lock()
	_, tracked := p.active[s.ID]
	if tracked {
		delete(p.active, s.ID)
	}
	activeCount := len(p.active)
	p.activeMu.Unlock()

	s.Close()

	if !tracked {
		// Already released or reaped, token was returned then
		return
	}

	p.returnToken()
	p.updateMetrics(activeCount)

	p.logger.Debug("Session released",
		zap.String("request_id", s.RequestID),
		zap.String("session_id", s.ID),
		zap.Duration("session_age", s.Age()),
		zap.Int("active", activeCount))
}

// ReapStale force-releases sessions older than maxAge and returns how many
// were reclaimed. Covers leaked sessions whose owner never released.
func (p *Pool) ReapStale(maxAge time.Duration) int {
	p.activeMu.Lock()
	var stale []*Session
	for id, s := range p.active {
		if s.Age() > maxAge {
			stale = append(stale, s)
			delete(p.active, id)
		}
	}
	activeCount := len(p.active)
	p.activeMu.Unlock()

	for _, s := range stale {
		p.logger.Warn("Force-releasing stale session",
			zap.String("request_id", s.RequestID),
			zap.String("session_id", s.ID),
			zap.Duration("session_age", s.Age()))
		s.Close()
		p.returnToken()
		p.totalReaped.Add(1)
		if p.metricsCollector != nil {
			p.metricsCollector.RecordSessionReaped()
		}
	}

	if len(stale) > 0 {
		p.updateMetrics(activeCount)
	}

	return len(stale)
}

// StartReaper runs the background stale-session reaper until shutdown.
func (p *Pool) StartReaper() {
	p.logger.Info("Starting stale session reaper",
		zap.Duration("interval", p.config.ReapInterval),
		zap.Duration("max_session_age", p.config.MaxSessionAge))

	ticker := time.NewTicker(p.config.ReapInterval)
	p.reaperWg.Add(1)
	go func() {
		defer p.reaperWg.Done()
		for {
			select {
			case <-ticker.C:
				if reaped := p.ReapStale(p.config.MaxSessionAge); reaped > 0 {
					p.logger.Warn("Reaper reclaimed stale sessions",
						zap.Int("reaped", reaped))
				}
			case <-p.ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// Status returns current pool occupancy with per-session uptimes.
func (p *Pool) Status() PoolStatus {
	p.activeMu.Lock()
	sessions := make([]SessionStatus, 0, len(p.active))
	for _, s := range p.active {
		sessions = append(sessions, SessionStatus{
			ID:        s.ID,
			RequestID: s.RequestID,
			Uptime:    s.Age(),
		})
	}
	activeCount := len(p.active)
	p.activeMu.Unlock()

	return PoolStatus{
		Capacity:      p.capacity,
		Active:        activeCount,
		Available:     p.capacity - activeCount,
		TotalLaunched: p.totalLaunched.Load(),
		TotalReaped:   p.totalReaped.Load(),
		Uptime:        time.Since(p.createdAt),
		Sessions:      sessions,
	}
}

// Capacity returns the pool's session capacity.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Shutdown drains active sessions gracefully, then force-closes what is left.
func (p *Pool) Shutdown() error {
	return p.ShutdownWithTimeout(p.config.ShutdownTimeout)
}

// ShutdownWithTimeout drains with a custom timeout.
func (p *Pool) ShutdownWithTimeout(timeout time.Duration) error {
	status := p.Status()
	p.logger.Info("Initiating session pool shutdown",
		zap.Duration("timeout", timeout),
		zap.Int("active_sessions", status.Active))

	p.cancel()
	p.reaperWg.Wait()

	if p.waitForActiveSessions(timeout) {
		p.logger.Info("All active sessions released gracefully")
	} else {
		p.logger.Warn("Shutdown timeout exceeded, force-closing sessions",
			zap.Int("stuck_sessions", p.Status().Active))
	}

	p.activeMu.Lock()
	remaining := make([]*Session, 0, len(p.active))
	for id, s := range p.active {
		remaining = append(remaining, s)
		delete(p.active, id)
	}
	p.activeMu.Unlock()

	for _, s := range remaining {
		s.Close()
	}

	p.logger.Info("Session pool shut down",
		zap.Int64("total_launched", p.totalLaunched.Load()),
		zap.Int64("total_reaped", p.totalReaped.Load()),
		zap.Duration("uptime", time.Since(p.createdAt)))

	return nil
}

// waitForActiveSessions waits for all active sessions to be released.
// Returns true if the pool drained, false on timeout.
func (p *Pool) waitForActiveSessions(timeout time.Duration) bool {
	deadline := time.Now().UTC().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.activeMu.Lock()
		active := len(p.active)
		p.activeMu.Unlock()
		if active == 0 {
			return true
		}

		<-ticker.C
		if time.Now().UTC().After(deadline) {
			return false
		}
	}
}

// returnToken frees one capacity slot.
func (p *Pool) returnToken() {
	select {
	case p.tokens <- struct{}{}:
	default:
		// Capacity already full, indicates a double release bug
		p.logger.Error("Token channel full on return, possible double release")
	}
}

func (p *Pool) updateMetrics(active int) {
	if p.metricsCollector == nil {
		return
	}
	p.metricsCollector.UpdatePoolActive(active)
}
