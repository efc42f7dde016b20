// Package browser drives Chrome tabs for redemption pages
package browser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Chrome owns one browser process; each Open call creates a new tab in it
type Chrome struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      Config
}

// Config holds browser automation settings
type Config struct {
	Headless     bool
	Timeout      time.Duration // per driver call
	ExecPath     string
	UserAgent    string
	WindowWidth  int
	WindowHeight int
}

// DefaultConfig returns sensible default browser settings. Redemption flows
// regularly need a human for CAPTCHAs, so the window is visible by default.
func DefaultConfig() Config {
	return Config{
		Headless:     false,
		Timeout:      30 * time.Second,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		WindowWidth:  1280,
		WindowHeight: 1024,
	}
}

// New starts a Chrome allocator and a root browser context
func New(cfg Config) (*Chrome, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Start the browser now so a missing binary fails the run up front
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Chrome{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		config:      cfg,
	}, nil
}

// Close shuts the browser down
func (b *Chrome) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// Open creates a new tab. Cancelling ctx does not close the tab; Close does.
func (b *Chrome) Open(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return &chromePage{tabCtx: tabCtx, close: tabCancel, timeout: b.config.Timeout}, nil
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// SaveScreenshot writes png bytes to dir/name.png and returns the path.
// name must be a plain file name.
func SaveScreenshot(dir, name string, png []byte) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid screenshot name %q", name)
	}
	if !bytes.HasPrefix(png, pngSignature) {
		return "", fmt.Errorf("screenshot %s is not a PNG image", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", err
	}
	return path, nil
}
