package session

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/pkg/types"
)

// Session is a single ephemeral browser session driving the rendering
// engine page. Sessions are created on acquire and destroyed on release.
type Session struct {
	ID        string
	RequestID string

	createdAt time.Time
	logger    *zap.Logger

	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

// Launcher creates a ready-to-render session for the given options.
// The production launcher starts a headless browser; tests substitute fakes.
type Launcher func(ctx context.Context, opts types.RenderOptions, requestID string) (*Session, error)

// NewSession creates a session shell with no browser attached. The
// production launcher attaches one; test launchers use the shell as is.
func NewSession(id, requestID string, logger *zap.Logger) *Session {
	return &Session{
		ID:        id,
		RequestID: requestID,
		createdAt: time.Now().UTC(),
		logger:    logger,
	}
}

// NewChromeLauncher returns the production launcher: a headless Chrome
// process navigated to the viewer page and polled until the engine
// reports ready.
func NewChromeLauncher(cfg *Config, logger *zap.Logger) Launcher {
	driver := engine.NewChromeDriver(logger)

	return func(ctx context.Context, opts types.RenderOptions, requestID string) (*Session, error) {
		s := NewSession(fmt.Sprintf("%s-%d", requestID, time.Now().UTC().UnixNano()), requestID, logger)

		if err := s.createBrowser(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionInit, err)
		}

		pageURL := viewerPageURL(cfg.ViewerURL, opts)
		if err := chromedp.Run(s.ctx, chromedp.Navigate(pageURL)); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: navigation to viewer failed: %v", ErrSessionInit, err)
		}

		if err := driver.WaitReady(s.ctx, cfg.ReadyTimeout, cfg.PollInterval); err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", ErrSessionInit, err)
		}

		logger.Debug("Session ready",
			zap.String("request_id", requestID),
			zap.String("session_id", s.ID),
			zap.String("viewer_url", pageURL))

		return s, nil
	}
}

// createBrowser starts the headless browser process for this session
func (s *Session) createBrowser() error {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		// WebGL rendering needs the GPU process, keep it enabled
		chromedp.Flag("enable-unsafe-swiftshader", true),
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	var allocatorCtx context.Context
	allocatorCtx, s.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)

	s.ctx, s.browserCancel = chromedp.NewContext(allocatorCtx)

	if err := chromedp.Run(s.ctx); err != nil {
		s.allocatorCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	return nil
}

// Context returns the browser context for driver calls.
func (s *Session) Context() (context.Context, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.ctx, nil
}

// Age returns how long the session has been alive.
func (s *Session) Age() time.Duration {
	return time.Now().UTC().Sub(s.createdAt)
}

// Close terminates the browser process. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.browserCancel != nil {
			s.browserCancel()
		}
		if s.allocatorCancel != nil {
			s.allocatorCancel()
		}
	})
}

// viewerPageURL encodes the render options as viewer query parameters
func viewerPageURL(base string, opts types.RenderOptions) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}

	q := u.Query()
	q.Set("width", strconv.Itoa(opts.Width))
	q.Set("height", strconv.Itoa(opts.Height))
	q.Set("background", opts.Background)
	q.Set("framing", opts.Framing)
	q.Set("isometric", strconv.FormatBool(opts.Isometric))
	u.RawQuery = q.Encode()

	return u.String()
}
