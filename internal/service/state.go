package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State holds the process-wide mutable service state: one-shot batch
// download grants and per-requester rate counters. It exists so startup
// and shutdown can manage this state explicitly instead of scattering
// package globals.
type State struct {
	mu sync.Mutex

	// (jobID, kind) pairs already downloaded
	consumedDownloads map[downloadKey]time.Time

	// Fixed one-minute windows per requester
	rateWindows map[string]*rateWindow

	ratePerMinute int
	startedAt     time.Time
	logger        *zap.Logger
}

type downloadKey struct {
	jobID string
	kind  string
}

type rateWindow struct {
	minute int64
	count  int
}

// NewState initializes service state for one process lifetime.
func NewState(ratePerMinute int, logger *zap.Logger) *State {
	return &State{
		consumedDownloads: make(map[downloadKey]time.Time),
		rateWindows:       make(map[string]*rateWindow),
		ratePerMinute:     ratePerMinute,
		startedAt:         time.Now().UTC(),
		logger:            logger,
	}
}

// ConsumeDownload grants a download exactly once per (jobID, kind).
// Returns false when the grant was already used.
func (s *State) ConsumeDownload(jobID, kind string) bool {
	key := downloadKey{jobID: jobID, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.consumedDownloads[key]; used {
		return false
	}
	s.consumedDownloads[key] = time.Now().UTC()
	return true
}

// AllowRequest checks and counts one request against the requester's
// per-minute budget. A zero or negative budget disables limiting.
func (s *State) AllowRequest(requester string) bool {
	if s.ratePerMinute <= 0 {
		return true
	}
	if requester == "" {
		requester = "anonymous"
	}

	nowMinute := time.Now().UTC().Unix() / 60

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rateWindows[requester]
	if !ok || w.minute != nowMinute {
		s.rateWindows[requester] = &rateWindow{minute: nowMinute, count: 1}
		return true
	}

	if w.count >= s.ratePerMinute {
		return false
	}
	w.count++
	return true
}

// Uptime reports how long this State has been live.
func (s *State) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown clears all transient state.
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Clearing service state",
		zap.Int("consumed_downloads", len(s.consumedDownloads)),
		zap.Int("rate_windows", len(s.rateWindows)))

	s.consumedDownloads = make(map[downloadKey]time.Time)
	s.rateWindows = make(map[string]*rateWindow)
}
