package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// launchOptions describes one browser launch.
type launchOptions struct {
	slot     int
	tabs     int
	identity models.Identity
	proxy    *models.Proxy

	headless   bool
	noSandbox  bool
	disableGPU bool

	navigationTimeout time.Duration
	warmupURL         string
}

// browserProc is a running browser process: its tabs and its teardown.
type browserProc interface {
	Tabs() []interfaces.Tab
	Close(timeout time.Duration) error
}

// launcher isolates the Chrome interaction so pool logic is testable
// without a Chrome binary.
type launcher interface {
	Launch(ctx context.Context, opts launchOptions) (browserProc, error)
}

// chromeLauncher is the real launcher, built on chromedp.
type chromeLauncher struct {
	logger arbor.ILogger
}

type chromeProc struct {
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	tabs          []interfaces.Tab
	tabCancels    []context.CancelFunc
}

// Launch starts a browser bound to one identity and at most one proxy,
// opens the requested number of tabs, applies the stealth layer to each,
// and performs the warm-up navigation. Any failure tears down everything
// already started so no zombie process survives.
func (l *chromeLauncher) Launch(ctx context.Context, opts launchOptions) (browserProc, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.headless),
		chromedp.Flag("no-sandbox", opts.noSandbox),
		chromedp.Flag("disable-gpu", opts.disableGPU),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("lang", firstLanguage(opts.identity)),
		chromedp.UserAgent(opts.identity.UserAgent),
		chromedp.WindowSize(opts.identity.Viewport.Width, opts.identity.Viewport.Height),
	)
	if opts.proxy != nil {
		allocOpts = append(allocOpts,
			chromedp.ProxyServer(opts.proxy.ServerURL()),
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	proc := &chromeProc{
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
	}

	tabCount := opts.tabs
	if tabCount < 1 {
		tabCount = 1
	}

	for i := 0; i < tabCount; i++ {
		var tabCtx context.Context
		var tabCancel context.CancelFunc
		if i == 0 {
			// The browser context carries the first tab
			tabCtx, tabCancel = browserCtx, func() {}
		} else {
			tabCtx, tabCancel = chromedp.NewContext(browserCtx)
		}

		if err := l.setupTab(tabCtx, opts); err != nil {
			tabCancel()
			proc.teardown()
			return nil, fmt.Errorf("tab %d setup failed on slot %d: %w", i, opts.slot, err)
		}

		proc.tabs = append(proc.tabs, &chromeTab{
			slot:              opts.slot,
			index:             i,
			tabCtx:            tabCtx,
			cancel:            tabCancel,
			hasProxy:          opts.proxy != nil,
			navigationTimeout: opts.navigationTimeout,
			identity:          opts.identity,
		})
		proc.tabCancels = append(proc.tabCancels, tabCancel)
	}

	return proc, nil
}

// setupTab applies the identity, the interception layer, and the warm-up
// navigation to a fresh tab.
func (l *chromeLauncher) setupTab(tabCtx context.Context, opts launchOptions) error {
	setupCtx, cancel := context.WithTimeout(tabCtx, opts.navigationTimeout)
	defer cancel()

	if err := chromedp.Run(setupCtx, identityActions(opts.identity)...); err != nil {
		return fmt.Errorf("identity setup failed: %w", err)
	}
	if err := installInterception(tabCtx, opts.proxy); err != nil {
		return fmt.Errorf("interception setup failed: %w", err)
	}

	if opts.warmupURL != "" {
		if err := chromedp.Run(setupCtx, chromedp.Navigate(opts.warmupURL)); err != nil {
			return fmt.Errorf("warm-up navigation failed: %w", err)
		}
	}
	return nil
}

func (p *chromeProc) Tabs() []interfaces.Tab {
	return p.tabs
}

// Close tears the browser down, bounded by the timeout; on expiry the
// contexts are cancelled anyway, which kills the process.
func (p *chromeProc) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.teardown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("browser close timed out after %s", timeout)
	}
}

func (p *chromeProc) teardown() {
	for i := len(p.tabCancels) - 1; i >= 0; i-- {
		p.tabCancels[i]()
	}
	p.browserCancel()
	p.allocCancel()
}
