package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"homedash/internal/config"
	appLog "homedash/internal/log"
	"homedash/internal/metrics"
)

// Default viewport of the dashboard preview.
const (
	DefaultWidth   = 1280
	DefaultHeight  = 800
	DefaultTimeout = 30 * time.Second
)

// ReadySelector is set by the dashboard page once its widgets have loaded.
const ReadySelector = `[data-ready="true"]`

// Options defines a Chromium screenshot of the dashboard.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/".
	URL string

	// OutputPath is where the PNG is written.
	OutputPath string

	// Width and Height are the viewport in pixels. Zero uses the defaults.
	Width  int
	Height int

	// Timeout bounds the whole capture. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Headers are sent with every request the page makes.
	Headers map[string]string
}

// OptionsFromConfig maps the capture settings. With basic auth enabled the
// browser sends the same credentials, otherwise it would only see a 401.
func OptionsFromConfig(c config.CaptureConfig, ba *config.BasicAuthConfig) Options {
	opts := Options{
		URL:        c.URL,
		OutputPath: c.OutputPath,
		Width:      c.Width,
		Height:     c.Height,
	}
	if ba != nil && ba.Username != "" && ba.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(ba.Username + ":" + ba.Password))
		opts.Headers = map[string]string{"Authorization": "Basic " + token}
	}
	return opts
}

func (o Options) withDefaults() (Options, error) {
	if o.URL == "" {
		return o, errors.New("capture: URL is required")
	}
	if o.OutputPath == "" {
		return o, errors.New("capture: OutputPath is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o, nil
}

// Capturer takes dashboard screenshots and keeps the latest one on disk.
type Capturer struct {
	opts    Options
	metrics *metrics.Metrics

	// shoot renders the page and returns PNG bytes.
	shoot func(ctx context.Context, opts Options) ([]byte, error)
}

func New(opts Options, m *metrics.Metrics) *Capturer {
	return &Capturer{opts: opts, metrics: m, shoot: screenshot}
}

// Path is where the latest preview is stored.
func (c *Capturer) Path() string {
	return c.opts.OutputPath
}

// Capture renders the dashboard and replaces the stored preview. A failed
// capture leaves the previous preview in place.
func (c *Capturer) Capture(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.IncCapture(err)
	}()

	opts, err := c.opts.withDefaults()
	if err != nil {
		return err
	}

	png, err := c.shoot(ctx, opts)
	if err != nil {
		return err
	}
	if len(png) == 0 {
		return errors.New("capture: empty screenshot")
	}

	if err := config.WriteFileAtomic(opts.OutputPath, png, ".preview-*.png"); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}

	appLog.Info("preview captured",
		"url", opts.URL,
		"path", opts.OutputPath,
		"bytes", len(png),
		"elapsed", time.Since(start).String(),
	)
	return nil
}

// screenshot launches a headless Chromium via chromedp, navigates to
// opts.URL, waits for ReadySelector and captures the full page.
func screenshot(parentCtx context.Context, opts Options) ([]byte, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.WindowSize(opts.Width, opts.Height),
		)...,
	)
	defer allocCancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	var tasks chromedp.Tasks
	if len(opts.Headers) > 0 {
		headers := make(network.Headers, len(opts.Headers))
		for k, v := range opts.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(headers))
	}
	tasks = append(tasks,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(ReadySelector, chromedp.ByQuery),
		// Let images finish painting.
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	)

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return png, nil
}
