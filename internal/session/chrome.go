package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeConfig controls the headless Chrome launch.
type ChromeConfig struct {
	Headless  bool
	Lang      string
	UserAgent string
	// LaunchTimeout bounds browser start-up and warm-up.
	LaunchTimeout time.Duration
	// ExecPath overrides chromedp's browser discovery.
	ExecPath string
}

// ChromeLauncher starts Chrome through chromedp's exec allocator.
type ChromeLauncher struct {
	cfg ChromeConfig
}

// NewChromeLauncher returns a Launcher for headless Chrome.
func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	if cfg.Lang == "" {
		cfg.Lang = "en-US,en"
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 120 * time.Second
	}
	return &ChromeLauncher{cfg: cfg}
}

func (l *ChromeLauncher) options() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", l.cfg.Lang),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome and waits until its first target is usable.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.options()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancel := context.WithTimeout(browserCtx, l.cfg.LaunchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(warmCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chrome{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

type chrome struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewTab opens a target in the running browser. chromedp derives the tab from
// the browser context, so ctx cancellation is forwarded explicitly.
func (c *chrome) NewTab(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(c.ctx)
	stop := context.AfterFunc(ctx, tabCancel)
	return tabCtx, func() {
		stop()
		tabCancel()
	}
}

func (c *chrome) Close() error {
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	c.allocCancel()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
