package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("timeout"))
	bytesBefore := testutil.ToFloat64(imageBytesTotal.WithLabelValues("img.example.com"))

	ObserveFetch("https://img.example.com/a.png", "timeout", 0, time.Second)
	ObserveFetch("https://img.example.com/a.png", OutcomeSuccess, 120, time.Second)

	assert.Equal(t, before+1, testutil.ToFloat64(fetchTotal.WithLabelValues("timeout")))
	assert.Equal(t, bytesBefore+120, testutil.ToFloat64(imageBytesTotal.WithLabelValues("img.example.com")))
}

func TestContextGauge(t *testing.T) {
	before := testutil.ToFloat64(browserContextsOpen)
	var g ContextGauge
	g.PageOpened()
	g.PageOpened()
	assert.Equal(t, before+2, testutil.ToFloat64(browserContextsOpen))
	g.PageClosed()
	g.PageClosed()
	assert.Equal(t, before, testutil.ToFloat64(browserContextsOpen))
}

func TestObserveCacheAndRateLimit(t *testing.T) {
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	ObserveCacheLookup("hit")
	assert.Equal(t, before+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")))

	ObserveRateLimitDelay("example.com", 250*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

func TestSiteSetCapsDistinctLabels(t *testing.T) {
	set := newSiteSet(3)
	for i := 0; i < 3; i++ {
		host := fmt.Sprintf("host%d.example.com", i)
		require.Equal(t, host, set.label(host))
	}
	assert.Equal(t, OtherSite, set.label("attacker-1.example.com"))
	assert.Equal(t, OtherSite, set.label("attacker-2.example.com"))
	assert.Equal(t, "host1.example.com", set.label("host1.example.com"))
	assert.Len(t, set.seen, 3)
}

func TestObserveFetchBoundsSiteCardinality(t *testing.T) {
	for i := 0; i < MaxSiteLabels+50; i++ {
		ObserveFetch(fmt.Sprintf("https://h%d.cardinality.test/a.png", i), OutcomeSuccess, 1, time.Millisecond)
	}
	assert.LessOrEqual(t, testutil.CollectAndCount(imageBytesTotal), MaxSiteLabels+1)
	assert.Positive(t, testutil.ToFloat64(imageBytesTotal.WithLabelValues(OtherSite)))
}
