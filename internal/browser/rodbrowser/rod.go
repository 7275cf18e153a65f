// Package rodbrowser drives a shared headless Chrome through go-rod.
package rodbrowser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

// Config controls how the browser process is launched.
type Config struct {
	ExecPath string
	Headful  bool
	// Flags are extra command line switches. Empty values set a bare switch.
	Flags map[string]string
}

// Browser wraps a launcher-managed Chrome and its CDP connection.
type Browser struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ imagefetch.Browser = (*Browser)(nil)

// Launch starts Chrome and connects to it.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := newLauncher(cfg)
	controlURL, err := launch(ctx, l)
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	logger.Info("rod browser started", zap.String("control_url", controlURL))

	return &Browser{launcher: l, browser: browser, logger: logger}, nil
}

// launch waits for Chrome to print its control URL. The launcher context is
// left alone so that ctx only bounds startup, not the process lifetime.
func launch(ctx context.Context, l *launcher.Launcher) (string, error) {
	type launched struct {
		url string
		err error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		done <- launched{url: u, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("launch browser: %w", res.err)
		}
		return res.url, nil
	case <-ctx.Done():
		l.Kill()
		l.Cleanup()
		return "", fmt.Errorf("launch browser: %w", ctx.Err())
	}
}

func newLauncher(cfg Config) *launcher.Launcher {
	l := launcher.New().
		Headless(!cfg.Headful).
		Set("disable-gpu").
		Set("hide-scrollbars")
	if cfg.ExecPath != "" {
		l = l.Bin(cfg.ExecPath)
	}
	for name, value := range cfg.Flags {
		if value == "" {
			l = l.Set(flags.Flag(name))
			continue
		}
		l = l.Set(flags.Flag(name), value)
	}
	return l
}

// NewPage opens a blank tab.
func (b *Browser) NewPage(ctx context.Context) (imagefetch.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, imagefetch.ErrProcessClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &page{page: p, logger: b.logger}, nil
}

// Close disconnects from Chrome and removes the launcher's user data dir.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type page struct {
	page   *rod.Page
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *page) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := p.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	return nil
}

func (p *page) Navigate(ctx context.Context, rawURL string, idle imagefetch.IdlePolicy) (imagefetch.Response, error) {
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	tracker := imagefetch.NewIdleTracker(idle)
	doc := &documentCapture{}
	wait := p.page.Context(listenCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			tracker.RequestStarted(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFinished) {
			tracker.RequestFinished(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFailed) {
			tracker.RequestFinished(string(e.RequestID))
		},
		func(e *proto.NetworkResponseReceived) {
			doc.capture(e)
		},
	)
	go wait()

	pg := p.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(pg); err != nil {
		return imagefetch.Response{}, fmt.Errorf("enable network domain: %w", err)
	}
	if err := pg.Navigate(rawURL); err != nil {
		return doc.settle(ctx, fmt.Errorf("navigate: %w", err))
	}
	if err := pg.WaitLoad(); err != nil {
		return doc.settle(ctx, fmt.Errorf("wait load: %w", err))
	}
	if err := tracker.Wait(ctx); err != nil {
		return imagefetch.Response{}, fmt.Errorf("wait network idle: %w", err)
	}

	resp, ok := doc.response()
	if !ok {
		return imagefetch.Response{}, fmt.Errorf("no document response for %s", rawURL)
	}
	return resp, nil
}

func (p *page) Body(ctx context.Context, resp imagefetch.Response) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: proto.NetworkRequestID(resp.RequestID)}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	if !res.Base64Encoded {
		return []byte(res.Body), nil
	}
	body, err := base64.StdEncoding.DecodeString(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return body, nil
}

func (p *page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.page.Close()
	})
	return p.closeErr
}

type documentCapture struct {
	mu   sync.Mutex
	resp imagefetch.Response
	seen bool
}

func (d *documentCapture) capture(ev *proto.NetworkResponseReceived) {
	if ev.Type != proto.NetworkResourceTypeDocument || ev.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	headers := http.Header{}
	for key, value := range ev.Response.Headers {
		headers.Add(key, value.Str())
	}
	d.resp = imagefetch.Response{
		RequestID:  string(ev.RequestID),
		URL:        ev.Response.URL,
		Status:     ev.Response.Status,
		StatusText: ev.Response.StatusText,
		Headers:    headers,
	}
	d.seen = true
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
