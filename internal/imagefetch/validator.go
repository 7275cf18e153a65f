package imagefetch

import (
	"net/url"
	"strings"
)

// ValidateURL checks that raw is present and parses as an absolute URL with
// both a scheme and a host. It never touches the network.
func ValidateURL(raw string) (FetchRequest, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return FetchRequest{}, newError(KindMissingURL, "URL is required", nil)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return FetchRequest{}, newError(KindInvalidURL, "Invalid URL format", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return FetchRequest{}, newError(KindInvalidURL, "Invalid URL format", nil)
	}
	return FetchRequest{URL: trimmed}, nil
}
