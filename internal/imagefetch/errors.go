package imagefetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a download failure.
type Kind string

// Failure kinds surfaced to callers.
const (
	KindMissingURL         Kind = "missing_url"
	KindInvalidURL         Kind = "invalid_url"
	KindTimeout            Kind = "timeout"
	KindUpstreamHTTP       Kind = "upstream_http"
	KindNotAnImage         Kind = "not_an_image"
	KindBrowserUnavailable Kind = "browser_unavailable"
	KindNavigationFailed   Kind = "navigation_failed"
	KindUnexpected         Kind = "unexpected"
)

// ErrProcessClosed is returned by drivers once the shared browser has been closed.
var ErrProcessClosed = errors.New("browser process closed")

// Error is a classified download failure.
type Error struct {
	Kind    Kind
	Message string
	// StatusCode and StatusText are set for KindUpstreamHTTP.
	StatusCode int
	StatusText string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind onto the status returned to API clients.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingURL, KindInvalidURL:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ClientError reports whether the failure was caused by the request itself.
func (e *Error) ClientError() bool {
	return e.Kind == KindMissingURL || e.Kind == KindInvalidURL
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func upstreamError(status int, statusText string) *Error {
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	return &Error{
		Kind:       KindUpstreamHTTP,
		Message:    fmt.Sprintf("HTTP %d: %s", status, statusText),
		StatusCode: status,
		StatusText: statusText,
	}
}

// KindOf returns the kind of a classified error, or KindUnexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnexpected
}

// AsError returns err as *Error, wrapping unclassified errors as KindUnexpected.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return newError(KindUnexpected, "unexpected failure", err)
}
