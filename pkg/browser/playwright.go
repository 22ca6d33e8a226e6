package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// LaunchOptions configures browsers started by PlaywrightLauncher.
type LaunchOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Viewport sets the page viewport size
	Viewport Viewport

	// Timeout is the default driver operation timeout in milliseconds
	Timeout float64

	// Args are extra Chromium command-line flags
	Args []string

	// SkipInstall assumes the driver and browsers are already installed
	SkipInstall bool
}

// PlaywrightLauncher launches one Chromium process per session.
type PlaywrightLauncher struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	opts        LaunchOptions
	initialized bool
}

// NewPlaywrightLauncher creates a launcher. Playwright itself is started
// lazily on the first Launch.
func NewPlaywrightLauncher(opts LaunchOptions) *PlaywrightLauncher {
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	return &PlaywrightLauncher{opts: opts}
}

func (l *PlaywrightLauncher) initialize() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return l.playwright, nil
	}

	// Keep driver output off stdout: stdio-mode servers speak the protocol there.
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if !l.opts.SkipInstall {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	l.playwright = pw
	l.initialized = true
	return pw, nil
}

// Launch starts a browser, context and page. If ctx ends first the launch
// keeps going in the background and its browser is closed on arrival.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		driver *playwrightDriver
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := l.launch()
		ch <- result{driver: d, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.driver, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.driver.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *PlaywrightLauncher) launch() (*playwrightDriver, error) {
	pw, err := l.initialize()
	if err != nil {
		return nil, err
	}

	headless := l.opts.Headless
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Args:     l.opts.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  l.opts.Viewport.Width,
			Height: l.opts.Viewport.Height,
		},
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(l.opts.Timeout)

	return &playwrightDriver{browser: browser, context: bctx, page: page}, nil
}

// Close stops Playwright.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized || l.playwright == nil {
		return nil
	}
	l.initialized = false
	if err := l.playwright.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightDriver struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func (d *playwrightDriver) Goto(url string, timeoutMs float64) error {
	waitUntil := playwright.WaitUntilState("load")
	opts := playwright.PageGotoOptions{WaitUntil: &waitUntil}
	if timeoutMs > 0 {
		opts.Timeout = &timeoutMs
	}
	if _, err := d.page.Goto(url, opts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (d *playwrightDriver) Evaluate(script string, arg any) (any, error) {
	result, err := d.page.Evaluate(script, arg)
	if err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}
	return result, nil
}

func (d *playwrightDriver) WaitForSelector(selector string, timeoutMs float64) error {
	opts := playwright.PageWaitForSelectorOptions{}
	if timeoutMs > 0 {
		opts.Timeout = &timeoutMs
	}
	if _, err := d.page.WaitForSelector(selector, opts); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}
	return nil
}

func (d *playwrightDriver) Screenshot() ([]byte, error) {
	data, err := d.page.Screenshot()
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (d *playwrightDriver) Content() (string, error) {
	return d.page.Content()
}

func (d *playwrightDriver) URL() string {
	return d.page.URL()
}

func (d *playwrightDriver) Alive() bool {
	return d.browser.IsConnected() && !d.page.IsClosed()
}

// Close releases page, context and browser. Every step runs even if an
// earlier one fails.
func (d *playwrightDriver) Close() error {
	return errors.Join(
		d.page.Close(),
		d.context.Close(),
		d.browser.Close(),
	)
}
