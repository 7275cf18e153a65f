// Package headless drives a shared headless Chrome through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

// Config controls how the browser process is launched.
type Config struct {
	// ExecPath overrides the Chrome binary. Empty means discover it.
	ExecPath string
	// Headful disables headless mode, which is only useful when debugging.
	Headful bool
	// Flags are extra command line switches. Empty values set a bare switch.
	Flags map[string]string
}

// Browser is a single Chrome process shared by every fetch.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ imagefetch.Browser = (*Browser)(nil)

// Launch starts Chrome and waits for it to accept commands.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("headless chrome started", zap.String("exec_path", cfg.ExecPath))

	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for name, value := range cfg.Flags {
		if value == "" {
			opts = append(opts, chromedp.Flag(name, true))
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// NewPage opens a fresh tab. The tab is created on the browser context so that
// canceling ctx after NewPage returns does not tear it down.
func (b *Browser) NewPage(ctx context.Context) (imagefetch.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, imagefetch.ErrProcessClosed
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	stopForward := forwardCancel(ctx, cancelTab)
	err := chromedp.Run(tabCtx)
	stopForward()
	if err != nil {
		cancelTab()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open tab: %w", ctxErr)
		}
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &page{ctx: tabCtx, cancel: cancelTab, logger: b.logger}, nil
}

// Close shuts the browser down. Pages opened afterwards fail with
// imagefetch.ErrProcessClosed.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *page) SetUserAgent(ctx context.Context, userAgent string) error {
	return p.run(ctx, emulation.SetUserAgentOverride(userAgent))
}

// Navigate loads rawURL and waits for the network to settle. It returns the
// first document response observed in the tab.
func (p *page) Navigate(ctx context.Context, rawURL string, idle imagefetch.IdlePolicy) (imagefetch.Response, error) {
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()

	tracker := imagefetch.NewIdleTracker(idle)
	doc := newDocumentCapture()
	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			tracker.RequestStarted(string(e.RequestID))
		case *network.EventLoadingFinished:
			tracker.RequestFinished(string(e.RequestID))
		case *network.EventLoadingFailed:
			tracker.RequestFinished(string(e.RequestID))
		case *network.EventResponseReceived:
			doc.capture(e)
		}
	})

	err := p.run(ctx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.ActionFunc(tracker.Wait),
	)
	if err != nil {
		return doc.settle(ctx, err)
	}
	resp, ok := doc.response()
	if !ok {
		return imagefetch.Response{}, fmt.Errorf("no document response for %s", rawURL)
	}
	return resp, nil
}

func (p *page) Body(ctx context.Context, resp imagefetch.Response) ([]byte, error) {
	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(resp.RequestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (p *page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = chromedp.Cancel(p.ctx)
		p.cancel()
		if p.closeErr != nil && errors.Is(p.closeErr, context.Canceled) {
			p.closeErr = nil
		}
	})
	return p.closeErr
}

// run executes actions on the tab while honoring ctx. Canceling ctx aborts the
// actions but leaves the tab open.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

type documentCapture struct {
	mu   sync.Mutex
	once sync.Once
	resp imagefetch.Response
	seen bool
}

func newDocumentCapture() *documentCapture {
	return &documentCapture{}
}

func (d *documentCapture) capture(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	d.once.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.resp = imagefetch.Response{
			RequestID:  string(ev.RequestID),
			URL:        ev.Response.URL,
			Status:     int(ev.Response.Status),
			StatusText: ev.Response.StatusText,
			Headers:    toHTTPHeader(ev.Response.Headers),
		}
		d.seen = true
	})
}

func (d *documentCapture) response() (imagefetch.Response, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resp, d.seen
}

// settle keeps an HTTP error status that Chromium reported as a failed
// navigation.
func (d *documentCapture) settle(ctx context.Context, err error) (imagefetch.Response, error) {
	resp, ok := d.response()
	return imagefetch.SettleNavigation(ctx, resp, ok, err)
}

func toHTTPHeader(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
