package headless

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestDocumentCaptureKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := newDocumentCapture()
	_, ok := doc.response()
	require.False(t, ok)

	doc.capture(&network.EventResponseReceived{
		RequestID: "img-1",
		Type:      network.ResourceTypeImage,
		Response:  &network.Response{Status: 200, URL: "https://example.com/favicon.ico"},
	})
	_, ok = doc.response()
	require.False(t, ok)

	doc.capture(&network.EventResponseReceived{
		RequestID: "doc-1",
		Type:      network.ResourceTypeDocument,
		Response: &network.Response{
			Status:     200,
			StatusText: "OK",
			URL:        "https://example.com/a.png",
			Headers:    network.Headers{"Content-Type": "image/png"},
		},
	})
	doc.capture(&network.EventResponseReceived{
		RequestID: "doc-2",
		Type:      network.ResourceTypeDocument,
		Response:  &network.Response{Status: 500, URL: "https://example.com/frame"},
	})

	resp, ok := doc.response()
	require.True(t, ok)
	assert.Equal(t, "doc-1", resp.RequestID)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "image/png", resp.ContentType())
}

func TestDocumentCaptureSettlesHTTPErrorNavigation(t *testing.T) {
	t.Parallel()

	navErr := errors.New("chromedp run: page load error net::ERR_HTTP_RESPONSE_CODE_FAILURE")
	_, err := newDocumentCapture().settle(context.Background(), navErr)
	require.ErrorIs(t, err, navErr)

	doc := newDocumentCapture()
	doc.capture(&network.EventResponseReceived{
		RequestID: "doc-1",
		Type:      network.ResourceTypeDocument,
		Response:  &network.Response{Status: 503, StatusText: "Service Unavailable", URL: "https://example.com/a.png"},
	})
	resp, err := doc.settle(context.Background(), navErr)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.Status)
	assert.Equal(t, "Service Unavailable", resp.StatusText)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err = doc.settle(ctx, navErr)
	require.ErrorIs(t, err, navErr)
}

func TestToHTTPHeader(t *testing.T) {
	t.Parallel()

	headers := toHTTPHeader(network.Headers{
		"Content-Type": "image/jpeg",
		"X-Multi":      []interface{}{"a", "b"},
		"X-List":       []string{"c"},
		"X-Number":     42,
	})
	assert.Equal(t, "image/jpeg", headers.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, headers.Values("X-Multi"))
	assert.Equal(t, "c", headers.Get("X-List"))
	assert.Equal(t, "42", headers.Get("X-Number"))
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{}))
	full := allocatorOptions(Config{
		ExecPath: "/usr/bin/chromium",
		Headful:  true,
		Flags:    map[string]string{"no-sandbox": "", "lang": "en-US"},
	})
	assert.Equal(t, base+4, len(full))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child was not canceled")
	}
}

// TestBrowserRoundTrip needs a local Chrome and is opt-in.
func TestBrowserRoundTrip(t *testing.T) {
	if os.Getenv("PICFETCH_BROWSER_TESTS") != "1" {
		t.Skip("set PICFETCH_BROWSER_TESTS=1 to run against a real browser")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pixel.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngPixel)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	browser, err := Launch(ctx, Config{Flags: map[string]string{"no-sandbox": ""}}, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, browser.Close()) }()

	orch, err := imagefetch.NewOrchestrator(browser, imagefetch.Config{SniffBytes: true}, nil, zap.NewNop())
	require.NoError(t, err)

	res, err := orch.Fetch(ctx, imagefetch.FetchRequest{URL: srv.URL + "/pixel.png"})
	require.NoError(t, err)
	assert.Equal(t, pngPixel, res.Body)
	assert.Equal(t, "image/png", res.ContentType)

	_, err = orch.Fetch(ctx, imagefetch.FetchRequest{URL: srv.URL + "/page.html"})
	require.Error(t, err)
	assert.Equal(t, imagefetch.KindNotAnImage, imagefetch.KindOf(err))

	_, err = orch.Fetch(ctx, imagefetch.FetchRequest{URL: srv.URL + "/missing.png"})
	require.Error(t, err)
	assert.Equal(t, imagefetch.KindUpstreamHTTP, imagefetch.KindOf(err))
}
