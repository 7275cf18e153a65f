// Package imagefetch defines the image download domain: request validation,
// the browsing-context orchestration and the content checks applied to the
// captured response.
package imagefetch

import (
	"net/http"
	"time"
)

// DefaultContentType is assumed when a response carries no Content-Type header.
const DefaultContentType = "application/octet-stream"

// FetchRequest is a validated download request.
type FetchRequest struct {
	URL string `json:"url"`
}

// FetchResult is the image captured from the top-level response.
type FetchResult struct {
	Body        []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	ByteLength  int           `json:"byte_length"`
	FinalURL    string        `json:"final_url,omitempty"`
	StatusCode  int           `json:"status_code,omitempty"`
	Duration    time.Duration `json:"duration"`
	FromCache   bool          `json:"from_cache"`
}

// Response describes the top-level document response observed by a Page.
type Response struct {
	RequestID  string
	URL        string
	Status     int
	StatusText string
	Headers    http.Header
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// ContentType returns the declared content type or DefaultContentType.
func (r Response) ContentType() string {
	if r.Headers == nil {
		return DefaultContentType
	}
	if ct := r.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return DefaultContentType
}

// State names a step of a single fetch.
type State string

// Fetch states, in the order a fetch moves through them.
const (
	StateIdle            State = "idle"
	StateContextAcquired State = "context_acquired"
	StateNavigating      State = "navigating"
	StateSucceeded       State = "succeeded"
	StateTimedOut        State = "timed_out"
	StateUpstreamError   State = "upstream_error"
	StateTypeRejected    State = "type_rejected"
	StateBrowserError    State = "browser_error"
	StateFailed          State = "failed"
	StateContextClosed   State = "context_closed"
)

// RetrievalRecord is the audit row written for every attempted download.
type RetrievalRecord struct {
	ID          string
	URL         string
	FinalURL    string
	Outcome     string
	StatusCode  int
	ContentType string
	ByteLength  int
	Hash        string
	BlobURI     string
	ErrorText   string
	Duration    time.Duration
	RetrievedAt time.Time
}

// FetchedEvent is published after a successful download.
type FetchedEvent struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	ContentType string    `json:"content_type"`
	ByteLength  int       `json:"byte_length"`
	Hash        string    `json:"sha256"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// EventKey partitions events by content hash.
func (e FetchedEvent) EventKey() string {
	return e.Hash
}
