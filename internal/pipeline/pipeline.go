// Package pipeline wires request validation, caching, the fetch orchestrator
// and the best-effort side effects of a download together.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
	"github.com/JakeFAU/picfetch/internal/metrics"
)

const tracerName = "github.com/JakeFAU/picfetch/internal/pipeline"

// Outcome labels written to retrieval rows besides error kinds.
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache_hit"
)

// Defaults applied by New.
const (
	DefaultBlobPrefix        = "images"
	DefaultTopic             = "image.fetched"
	DefaultCacheTTL          = time.Hour
	DefaultSideEffectTimeout = 10 * time.Second
)

// Config controls Pipeline behavior.
type Config struct {
	BlobPrefix string
	Topic      string
	CacheTTL   time.Duration
	// SideEffectTimeout bounds archive, cache fill, publish and record calls.
	SideEffectTimeout time.Duration
}

// Deps are the collaborators of a Pipeline. Only Fetcher and Hasher are
// required; every other dependency is skipped when nil.
type Deps struct {
	Fetcher    imagefetch.Fetcher
	Hasher     imagefetch.Hasher
	Cache      imagefetch.Cache
	BlobStore  imagefetch.BlobStore
	Retrievals imagefetch.RetrievalStore
	Publisher  imagefetch.Publisher
	Limiter    imagefetch.RateLimiter
	Clock      imagefetch.Clock
	IDs        imagefetch.IDGenerator
}

// Pipeline executes one download per call.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

type keyer interface {
	Key(rawURL string) string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if deps.Retrievals != nil && deps.IDs == nil {
		return nil, errors.New("id generator is required when recording retrievals")
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = DefaultBlobPrefix
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}, nil
}

// Download validates rawURL and returns the image it points to.
func (p *Pipeline) Download(ctx context.Context, rawURL string) (imagefetch.FetchResult, error) {
	start := p.deps.Clock.Now()
	req, err := imagefetch.ValidateURL(rawURL)
	if err != nil {
		metrics.ObserveFetch(rawURL, string(imagefetch.KindOf(err)), 0, 0)
		return imagefetch.FetchResult{}, err
	}
	log := p.logger.With(zap.String("url", req.URL))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.Download",
		trace.WithAttributes(attribute.String("url.full", req.URL)))
	defer span.End()

	result, err := p.download(ctx, req, log)
	elapsed := p.deps.Clock.Now().Sub(start)
	if result.Duration == 0 {
		result.Duration = elapsed
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = string(imagefetch.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Warn("download failed", zap.String("kind", outcome), zap.Error(err))
	} else {
		span.SetAttributes(
			attribute.String("image.content_type", result.ContentType),
			attribute.Int("image.bytes", result.ByteLength),
			attribute.Bool("cache.hit", result.FromCache),
		)
		log.Info("download succeeded",
			zap.String("content_type", result.ContentType),
			zap.Int("bytes", result.ByteLength),
			zap.Bool("from_cache", result.FromCache),
			zap.Duration("duration", elapsed),
		)
	}
	metrics.ObserveFetch(req.URL, outcome, result.ByteLength, elapsed)
	return result, err
}

func (p *Pipeline) download(
	ctx context.Context,
	req imagefetch.FetchRequest,
	log *zap.Logger,
) (imagefetch.FetchResult, error) {
	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, req.URL); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return imagefetch.FetchResult{}, &imagefetch.Error{
					Kind:    imagefetch.KindTimeout,
					Message: "rate limit wait exceeded the request deadline",
					Err:     err,
				}
			}
			return imagefetch.FetchResult{}, &imagefetch.Error{
				Kind:    imagefetch.KindUnexpected,
				Message: "rate limit wait",
				Err:     err,
			}
		}
	}

	key := p.cacheKey(req.URL)
	if cached, ok := p.lookup(ctx, key, log); ok {
		p.record(ctx, req, cached, OutcomeCacheHit, "", "", "", log)
		return cached, nil
	}

	fetchStart := p.deps.Clock.Now()
	result, err := p.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		fe := imagefetch.AsError(err)
		res := imagefetch.FetchResult{StatusCode: fe.StatusCode, Duration: p.deps.Clock.Now().Sub(fetchStart)}
		p.record(ctx, req, res, string(fe.Kind), "", "", err.Error(), log)
		return imagefetch.FetchResult{}, err
	}

	hash, err := p.deps.Hasher.Hash(result.Body)
	if err != nil {
		log.Warn("hash image body failed", zap.Error(err))
	}
	blobURI := p.archive(ctx, hash, result, log)
	p.fill(ctx, key, result, log)
	p.publish(ctx, req, result, hash, blobURI, log)
	p.record(ctx, req, result, OutcomeSuccess, hash, blobURI, "", log)
	return result, nil
}

func (p *Pipeline) cacheKey(rawURL string) string {
	if k, ok := p.deps.Hasher.(keyer); ok {
		return k.Key(rawURL)
	}
	sum, err := p.deps.Hasher.Hash([]byte(rawURL))
	if err != nil {
		return rawURL
	}
	return sum
}

func (p *Pipeline) lookup(ctx context.Context, key string, log *zap.Logger) (imagefetch.FetchResult, bool) {
	if p.deps.Cache == nil {
		return imagefetch.FetchResult{}, false
	}
	cached, ok, err := p.deps.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ObserveCacheLookup("error")
		log.Warn("cache lookup failed", zap.Error(err))
		return imagefetch.FetchResult{}, false
	case !ok:
		metrics.ObserveCacheLookup("miss")
		return imagefetch.FetchResult{}, false
	case !imagefetch.IsImageType(cached.ContentType):
		metrics.ObserveCacheLookup("invalid")
		log.Warn("ignoring cached entry with non-image type", zap.String("content_type", cached.ContentType))
		return imagefetch.FetchResult{}, false
	}
	metrics.ObserveCacheLookup("hit")
	cached.FromCache = true
	cached.ByteLength = len(cached.Body)
	return cached, true
}

// sideEffectContext detaches from client cancellation so that a disconnect
// after the image was fetched does not abort archiving.
func (p *Pipeline) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SideEffectTimeout)
}

func (p *Pipeline) archive(ctx context.Context, hash string, result imagefetch.FetchResult, log *zap.Logger) string {
	if p.deps.BlobStore == nil || hash == "" {
		return ""
	}
	ctx, cancel := p.sideEffectContext(ctx)
	defer cancel()
	uri, err := p.deps.BlobStore.PutObject(ctx, p.blobPath(hash, result.ContentType), result.ContentType, bytes.NewReader(result.Body))
	if err != nil {
		log.Warn("archive image failed", zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) fill(ctx context.Context, key string, result imagefetch.FetchResult, log *zap.Logger) {
	if p.deps.Cache == nil || p.cfg.CacheTTL < 0 {
		return
	}
	ctx, cancel := p.sideEffectContext(ctx)
	defer cancel()
	if err := p.deps.Cache.Set(ctx, key, result, p.cfg.CacheTTL); err != nil {
		log.Warn("cache fill failed", zap.Error(err))
	}
}

func (p *Pipeline) publish(
	ctx context.Context,
	req imagefetch.FetchRequest,
	result imagefetch.FetchResult,
	hash, blobURI string,
	log *zap.Logger,
) {
	if p.deps.Publisher == nil {
		return
	}
	ctx, cancel := p.sideEffectContext(ctx)
	defer cancel()
	event := imagefetch.FetchedEvent{
		ID:          p.newID(log),
		URL:         req.URL,
		FinalURL:    result.FinalURL,
		ContentType: result.ContentType,
		ByteLength:  result.ByteLength,
		Hash:        hash,
		BlobURI:     blobURI,
		FetchedAt:   p.deps.Clock.Now(),
	}
	msgID, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event)
	if err != nil {
		log.Warn("publish event failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	log.Debug("published event", zap.String("topic", p.cfg.Topic), zap.String("message_id", msgID))
}

func (p *Pipeline) record(
	ctx context.Context,
	req imagefetch.FetchRequest,
	result imagefetch.FetchResult,
	outcome, hash, blobURI, errText string,
	log *zap.Logger,
) {
	if p.deps.Retrievals == nil {
		return
	}
	id := p.newID(log)
	if id == "" {
		return
	}
	ctx, cancel := p.sideEffectContext(ctx)
	defer cancel()
	rec := imagefetch.RetrievalRecord{
		ID:          id,
		URL:         req.URL,
		FinalURL:    result.FinalURL,
		Outcome:     outcome,
		StatusCode:  result.StatusCode,
		ContentType: result.ContentType,
		ByteLength:  result.ByteLength,
		Hash:        hash,
		BlobURI:     blobURI,
		ErrorText:   errText,
		Duration:    result.Duration,
		RetrievedAt: p.deps.Clock.Now(),
	}
	if err := p.deps.Retrievals.StoreRetrieval(ctx, rec); err != nil {
		log.Warn("record retrieval failed", zap.Error(err))
	}
}

func (p *Pipeline) newID(log *zap.Logger) string {
	if p.deps.IDs == nil {
		return ""
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		log.Warn("generate id failed", zap.Error(err))
		return ""
	}
	return id
}

func (p *Pipeline) blobPath(hash, contentType string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	shard := hash
	if len(hash) > 2 {
		shard = hash[:2]
	}
	name := fmt.Sprintf("%s/%s.%s", shard, hash, Extension(contentType))
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Extension returns a file extension for an image content type.
func Extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "jpg"
	case "image/svg+xml":
		return "svg"
	case "image/x-icon", "image/vnd.microsoft.icon":
		return "ico"
	case "image/tiff":
		return "tiff"
	}
	sub := strings.TrimPrefix(mediaType, "image/")
	if sub == mediaType || sub == "" || strings.ContainsAny(sub, "+./ ") {
		return "img"
	}
	return sub
}
