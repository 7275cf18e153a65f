// Package sha256 provides SHA-256 digests for image bodies and cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Hasher implements imagefetch.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns the cache key for rawURL. Scheme and host are lowercased and the
// fragment is dropped, since neither changes what the server returns.
func (h *Hasher) Key(rawURL string) string {
	normalized := strings.TrimSpace(rawURL)
	if u, err := url.Parse(normalized); err == nil {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		u.RawFragment = ""
		normalized = u.String()
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
