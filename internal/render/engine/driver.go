package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/voxelforge/engine/pkg/types"
)

// LoadResult carries the completion signal the viewer reports after a
// structure finishes loading.
type LoadResult struct {
	ElementCount int `json:"elementCount"`
	MeshCount    int `json:"meshCount"`
}

// loadStatus mirrors the viewer's load-progress object.
type loadStatus struct {
	ID    string `json:"id"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
	LoadResult
}

// Driver is the narrow scripting contract against the browser-hosted
// rendering engine. All methods run against a session's browser context
// and add outer timeouts on top of the engine's own.
type Driver interface {
	WaitReady(ctx context.Context, timeout, pollInterval time.Duration) error
	LoadInput(ctx context.Context, id string, input []byte, timeout, pollInterval time.Duration) (*LoadResult, error)
	ApplyAdjustments(ctx context.Context, opts types.RenderOptions) error
	CaptureImage(ctx context.Context, width, height int, format string) ([]byte, error)
	RecordVideo(ctx context.Context, duration time.Duration, width, height, frameRate int) ([]byte, error)
}

// ChromeDriver drives the viewer page through chromedp.
type ChromeDriver struct {
	logger *zap.Logger
}

// NewChromeDriver creates the production driver.
func NewChromeDriver(logger *zap.Logger) *ChromeDriver {
	return &ChromeDriver{logger: logger}
}

// WaitReady polls the viewer's readiness flag until it reports true or the
// timeout elapses.
func (d *ChromeDriver) WaitReady(ctx context.Context, timeout, pollInterval time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var ready bool
		err := chromedp.Run(waitCtx,
			chromedp.Evaluate(`!!(window.viewer && window.viewer.isReady === true)`, &ready))
		if err == nil && ready {
			return nil
		}
		if err != nil && isContextGone(err) && waitCtx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrEngineCrashed, err)
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: after %s", ErrEngineNotReady, timeout)
		case <-ticker.C:
		}
	}
}

// LoadInput hands the structure bytes to the viewer and waits for its
// completion signal.
func (d *ChromeDriver) LoadInput(ctx context.Context, id string, input []byte, timeout, pollInterval time.Duration) (*LoadResult, error) {
	encoded := base64.StdEncoding.EncodeToString(input)

	loadJS := fmt.Sprintf(`window.viewer.loadInput(%q, %q); true`, id, encoded)
	var started bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(loadJS, &started)); err != nil {
		return nil, d.scriptError("loadInput", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	statusJS := fmt.Sprintf(`(function() {
		var s = window.viewer.loadStatus(%q);
		return s ? s : {id: %q, done: false, error: ""};
	})()`, id, id)

	for {
		var status loadStatus
		if err := chromedp.Run(waitCtx, chromedp.Evaluate(statusJS, &status)); err != nil {
			if waitCtx.Err() != nil {
				return nil, fmt.Errorf("%w: after %s", ErrRenderTimeout, timeout)
			}
			return nil, d.scriptError("loadStatus", err)
		}

		if status.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrEngineScript, status.Error)
		}
		if status.Done {
			return &status.LoadResult, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: after %s", ErrRenderTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// ApplyAdjustments applies post-load option tweaks (background, framing,
// camera) before capture.
func (d *ChromeDriver) ApplyAdjustments(ctx context.Context, opts types.RenderOptions) error {
	js := fmt.Sprintf(`(function() {
		window.viewer.setBackground(%q);
		window.viewer.setFraming(%q);
		window.viewer.setIsometric(%t);
		return true;
	})()`, opts.Background, opts.Framing, opts.Isometric)

	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return d.scriptError("applyAdjustments", err)
	}
	return nil
}

// CaptureImage takes a screenshot of the viewer viewport at the requested
// dimensions.
func (d *ChromeDriver) CaptureImage(ctx context.Context, width, height int, format string) ([]byte, error) {
	captureFormat := page.CaptureScreenshotFormatPng
	if format == types.FormatJPEG {
		captureFormat = page.CaptureScreenshotFormatJpeg
	}

	var buf []byte
	err := chromedp.Run(ctx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1.0, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(captureFormat).
				WithFromSurface(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, d.scriptError("captureScreenshot", err)
	}

	return buf, nil
}

// RecordVideo asks the viewer to record a turntable video and returns the
// encoded bytes. The viewer resolves a promise with base64 webm data once
// recording finishes.
func (d *ChromeDriver) RecordVideo(ctx context.Context, duration time.Duration, width, height, frameRate int) ([]byte, error) {
	// Outer timeout: recording duration plus encode headroom
	recCtx, cancel := context.WithTimeout(ctx, duration+30*time.Second)
	defer cancel()

	js := fmt.Sprintf(`window.viewer.startVideoRecording(%d, %d, %d, %d)`,
		duration.Milliseconds(), width, height, frameRate)

	var encoded string
	err := chromedp.Run(recCtx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1.0, false),
		chromedp.Evaluate(js, &encoded, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		if recCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: video recording", ErrRenderTimeout)
		}
		return nil, d.scriptError("startVideoRecording", err)
	}

	// The viewer may prefix a data URL
	if idx := strings.Index(encoded, ","); idx > -1 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}

	video, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid video payload: %v", ErrEngineScript, err)
	}

	return video, nil
}

// scriptError classifies a chromedp failure as a crash or a script fault.
func (d *ChromeDriver) scriptError(op string, err error) error {
	if isContextGone(err) {
		return fmt.Errorf("%w: during %s: %v", ErrEngineCrashed, op, err)
	}
	return fmt.Errorf("%w: during %s: %v", ErrEngineScript, op, err)
}

// isContextGone reports whether the error indicates the browser or tab is
// gone rather than a script-level failure.
func isContextGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "target closed")
}
