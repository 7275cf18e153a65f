// Package metrics exposes Prometheus collectors for the image service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeSuccess labels fetches that returned an image.
const OutcomeSuccess = "success"

// MaxSiteLabels caps distinct site label values. Hosts seen after the cap is
// reached are reported as OtherSite.
const MaxSiteLabels = 200

// OtherSite is the site label for hosts beyond MaxSiteLabels.
const OtherSite = "other"

var sites = newSiteSet(MaxSiteLabels)

type siteSet struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
}

func newSiteSet(limit int) *siteSet {
	return &siteSet{limit: limit, seen: make(map[string]struct{}, limit)}
}

// label returns site while it fits in the set, otherwise OtherSite.
func (s *siteSet) label(site string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[site]; ok {
		return site
	}
	if len(s.seen) >= s.limit {
		return OtherSite
	}
	s.seen[site] = struct{}{}
	return site
}

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picfetch_fetch_total",
			Help: "Total number of image downloads, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "picfetch_fetch_duration_seconds",
			Help:    "Histogram of image download latencies, labeled by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	imageBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picfetch_image_bytes_total",
			Help: "Total number of image bytes served, labeled by site.",
		},
		[]string{"site"},
	)

	browserContextsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "picfetch_browser_contexts_open",
			Help: "Number of browsing contexts currently open.",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picfetch_cache_lookups_total",
			Help: "Total number of cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "picfetch_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one download attempt. outcome is OutcomeSuccess or an
// error kind.
func ObserveFetch(rawURL, outcome string, bytesServed int, duration time.Duration) {
	fetchTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	if bytesServed > 0 {
		imageBytesTotal.WithLabelValues(sites.label(SanitizeSite(rawURL))).Add(float64(bytesServed))
	}
}

// ObserveCacheLookup counts a cache hit, miss or error.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(sites.label(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ContextGauge tracks open browsing contexts. It satisfies
// imagefetch.PageObserver.
type ContextGauge struct{}

// PageOpened increments the open contexts gauge.
func (ContextGauge) PageOpened() { browserContextsOpen.Inc() }

// PageClosed decrements the open contexts gauge.
func (ContextGauge) PageClosed() { browserContextsOpen.Dec() }

// Middleware records request counts and latencies by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, routePattern, status, time.Since(start))
	})
}
