package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultUserAgent is presented to target servers so that sites rejecting
// non-browser clients still answer normally.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Default deadlines applied to a fetch.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultBodyTimeout       = 10 * time.Second
)

// Config controls the behavior of the Orchestrator.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	BodyTimeout       time.Duration
	Idle              IdlePolicy
	// SniffBytes additionally decodes the image header instead of trusting
	// the declared content type alone.
	SniffBytes bool
	// MaxParallel bounds concurrently open pages. Zero means unbounded.
	MaxParallel int
}

// PageObserver is notified when pages open and close.
type PageObserver interface {
	PageOpened()
	PageClosed()
}

// Orchestrator drives one browsing context per fetch.
type Orchestrator struct {
	browser  Browser
	cfg      Config
	limiter  chan struct{}
	observer PageObserver
	logger   *zap.Logger
}

// NewOrchestrator builds an Orchestrator on top of a shared browser.
func NewOrchestrator(browser Browser, cfg Config, observer PageObserver, logger *zap.Logger) (*Orchestrator, error) {
	if browser == nil {
		return nil, fmt.Errorf("browser is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.BodyTimeout <= 0 {
		cfg.BodyTimeout = DefaultBodyTimeout
	}
	if cfg.Idle == (IdlePolicy{}) {
		cfg.Idle = DefaultIdlePolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Orchestrator{
		browser:  browser,
		cfg:      cfg,
		limiter:  limiter,
		observer: observer,
		logger:   logger,
	}, nil
}

// Fetch opens a page, navigates to the request URL and returns the image body
// of the top-level response. The page is closed exactly once on every path.
func (o *Orchestrator) Fetch(ctx context.Context, req FetchRequest) (result FetchResult, err error) {
	start := time.Now()
	log := o.logger.With(zap.String("url", req.URL))

	if err := o.acquire(ctx); err != nil {
		return FetchResult{}, newError(KindUnexpected, "wait for browser slot", err)
	}
	defer o.release()

	span := trace.SpanFromContext(ctx)
	state := StateIdle
	transition := func(next State) {
		log.Debug("fetch state", zap.String("from", string(state)), zap.String("to", string(next)))
		span.AddEvent("fetch state", trace.WithAttributes(
			attribute.String("from", string(state)),
			attribute.String("to", string(next)),
		))
		state = next
	}

	page, err := o.browser.NewPage(ctx)
	if err != nil {
		transition(StateBrowserError)
		return FetchResult{}, newError(KindBrowserUnavailable, "acquire browsing context", err)
	}
	if o.observer != nil {
		o.observer.PageOpened()
	}
	transition(StateContextAcquired)

	defer func() {
		if rec := recover(); rec != nil {
			transition(StateFailed)
			log.Error("fetch panicked", zap.Any("panic", rec))
			result = FetchResult{}
			err = newError(KindUnexpected, fmt.Sprintf("panic: %v", rec), nil)
		}
		if closeErr := page.Close(); closeErr != nil {
			log.Warn("close browsing context failed", zap.Error(closeErr))
		}
		if o.observer != nil {
			o.observer.PageClosed()
		}
		transition(StateContextClosed)
	}()

	result, err = o.run(ctx, page, req, transition)
	if err != nil {
		return FetchResult{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (o *Orchestrator) run(
	ctx context.Context,
	page Page,
	req FetchRequest,
	transition func(State),
) (FetchResult, error) {
	if err := page.SetUserAgent(ctx, o.cfg.UserAgent); err != nil {
		transition(StateBrowserError)
		return FetchResult{}, newError(KindBrowserUnavailable, "set user agent", err)
	}

	transition(StateNavigating)
	navCtx, cancelNav := context.WithTimeout(ctx, o.cfg.NavigationTimeout)
	resp, err := page.Navigate(navCtx, req.URL, o.cfg.Idle)
	navErr := navCtx.Err()
	cancelNav()
	if err != nil {
		if errors.Is(navErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			transition(StateTimedOut)
			return FetchResult{}, newError(
				KindTimeout,
				fmt.Sprintf("navigation timeout of %s exceeded", o.cfg.NavigationTimeout),
				err,
			)
		}
		transition(StateFailed)
		return FetchResult{}, newError(KindNavigationFailed, "navigation failed", err)
	}
	if !resp.OK() {
		transition(StateUpstreamError)
		return FetchResult{}, upstreamError(resp.Status, resp.StatusText)
	}

	contentType := resp.ContentType()
	if !IsImageType(contentType) {
		transition(StateTypeRejected)
		return FetchResult{}, newError(KindNotAnImage, "URL does not point to an image", nil)
	}

	bodyCtx, cancelBody := context.WithTimeout(ctx, o.cfg.BodyTimeout)
	body, err := page.Body(bodyCtx, resp)
	bodyErr := bodyCtx.Err()
	cancelBody()
	if err != nil {
		if errors.Is(bodyErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			transition(StateTimedOut)
			return FetchResult{}, newError(KindTimeout, "response body timeout exceeded", err)
		}
		transition(StateFailed)
		return FetchResult{}, newError(KindUnexpected, "read response body", err)
	}

	if err := CheckContent(contentType, body, o.cfg.SniffBytes); err != nil {
		transition(StateTypeRejected)
		return FetchResult{}, err
	}

	transition(StateSucceeded)
	return FetchResult{
		Body:        body,
		ContentType: contentType,
		ByteLength:  len(body),
		FinalURL:    resp.URL,
		StatusCode:  resp.Status,
	}, nil
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	select {
	case o.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (o *Orchestrator) release() {
	if o.limiter == nil {
		return
	}
	select {
	case <-o.limiter:
	default:
	}
}
