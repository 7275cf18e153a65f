package imagefetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

// pngPixel is a 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type scenario struct {
	newPageErr   error
	userAgentErr error
	navErr       error
	blockNav     bool
	panicNav     bool
	resp         Response
	body         []byte
	bodyErr      error
	blockBody    bool
	closeErr     error
}

type fakeBrowser struct {
	mu       sync.Mutex
	script   func() scenario
	opened   atomic.Int64
	closed   atomic.Int64
	navCalls atomic.Int64
	agents   []string
	pages    []*fakePage
}

func newFakeBrowser(s scenario) *fakeBrowser {
	return &fakeBrowser{script: func() scenario { return s }}
}

func (b *fakeBrowser) NewPage(_ context.Context) (Page, error) {
	s := b.script()
	if s.newPageErr != nil {
		return nil, s.newPageErr
	}
	b.opened.Add(1)
	page := &fakePage{browser: b, s: s}
	b.mu.Lock()
	b.pages = append(b.pages, page)
	b.mu.Unlock()
	return page, nil
}

// closeCounts reports how many times each opened page was closed.
func (b *fakeBrowser) closeCounts() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make([]int64, len(b.pages))
	for i, p := range b.pages {
		counts[i] = p.closes.Load()
	}
	return counts
}

func (b *fakeBrowser) Close() error { return nil }

type fakePage struct {
	browser *fakeBrowser
	s       scenario
	closes  atomic.Int64
}

func (p *fakePage) SetUserAgent(_ context.Context, ua string) error {
	p.browser.mu.Lock()
	p.browser.agents = append(p.browser.agents, ua)
	p.browser.mu.Unlock()
	return p.s.userAgentErr
}

func (p *fakePage) Navigate(ctx context.Context, _ string, _ IdlePolicy) (Response, error) {
	p.browser.navCalls.Add(1)
	if p.s.panicNav {
		panic("driver exploded")
	}
	if p.s.blockNav {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if p.s.navErr != nil {
		return Response{}, p.s.navErr
	}
	return p.s.resp, nil
}

func (p *fakePage) Body(ctx context.Context, _ Response) ([]byte, error) {
	if p.s.blockBody {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.s.body, p.s.bodyErr
}

func (p *fakePage) Close() error {
	if p.closes.Add(1) > 1 {
		return errors.New("page closed twice")
	}
	p.browser.closed.Add(1)
	return p.s.closeErr
}

func imageResponse(contentType string) Response {
	return Response{
		RequestID: "req-1",
		URL:       "https://example.com/a.png",
		Status:    http.StatusOK,
		Headers:   http.Header{"Content-Type": {contentType}},
	}
}

type countingObserver struct {
	opened atomic.Int64
	closed atomic.Int64
}

func (c *countingObserver) PageOpened() { c.opened.Add(1) }
func (c *countingObserver) PageClosed() { c.closed.Add(1) }
