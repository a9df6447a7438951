package capture

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/faults"
	"github.com/pinpointhq/pinpoint/backend/internal/geometry"
)

const (
	defaultTimeout = 30 * time.Second

	// Viewport dimensions used when the preset leaves them unbounded.
	fallbackViewportWidth  = 1440
	fallbackViewportHeight = 900
)

// CapturerConfig configures the headless browser capturer.
type CapturerConfig struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Capturer renders a page in headless Chrome and screenshots it so an
// annotation on a live website keeps its visual context.
type Capturer struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewCapturer constructs a Capturer with sane defaults.
func NewCapturer(cfg CapturerConfig) *Capturer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{timeout: timeout, logger: logger}
}

// CapturePage navigates to the URL under the preset's viewport and returns a
// full page screenshot as PNG bytes. Failures are reported as
// ErrScreenshotCapture so callers can degrade to a manual upload.
func (c *Capturer) CapturePage(ctx context.Context, pageURL string, preset geometry.Preset) ([]byte, error) {
	if pageURL == "" {
		return nil, fmt.Errorf("%w: page url required", faults.ErrScreenshotCapture)
	}
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("%w: chromium not installed", faults.ErrScreenshotCapture)
		}
	}

	dims := preset.Dimensions(fallbackViewportWidth)
	width := dims.Width
	height := dims.Height
	if width <= 0 {
		width = fallbackViewportWidth
	}
	if height <= 0 {
		height = fallbackViewportHeight
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var shot []byte
	err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx)
		}),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&shot, 90),
	)
	if err != nil {
		c.logger.Warn("page capture failed",
			zap.String("url", pageURL),
			zap.String("preset", string(preset)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", faults.ErrScreenshotCapture, err)
	}
	return shot, nil
}
