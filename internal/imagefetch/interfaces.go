package imagefetch

import (
	"context"
	"io"
	"time"
)

// Browser is the shared browser process. It hands out isolated pages and
// outlives every one of them.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single browsing context owned by one request.
type Page interface {
	SetUserAgent(ctx context.Context, userAgent string) error
	// Navigate loads rawURL, waits for the idle policy and returns the
	// top-level document response.
	Navigate(ctx context.Context, rawURL string, idle IdlePolicy) (Response, error)
	// Body returns the raw bytes of a response previously returned by Navigate.
	Body(ctx context.Context, resp Response) ([]byte, error)
	Close() error
}

// Fetcher downloads a validated request.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Cache stores successful results keyed by URL digest.
type Cache interface {
	Get(ctx context.Context, key string) (FetchResult, bool, error)
	Set(ctx context.Context, key string, result FetchResult, ttl time.Duration) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RetrievalStore persists one audit row per download attempt.
type RetrievalStore interface {
	StoreRetrieval(ctx context.Context, record RetrievalRecord) error
}

// Publisher pushes download events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RateLimiter delays requests per target host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Hasher computes digests for cache keys and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
