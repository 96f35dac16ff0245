package thumbnailer

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Allows reports whether a file with the given URI and content type can be thumbnailed.
func (s Supported) Allows(uri, contentType string) bool {
	if contentType == "" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return false
	}

	for n := 0; n < len(s.Schemes) && n < len(s.ContentTypes); n++ {
		if strings.EqualFold(u.Scheme, s.Schemes[n]) && contentTypeIs(contentType, s.ContentTypes[n]) {
			return true
		}
	}
	return false
}

// contentTypeIs reports whether contentType is want, one of its aliases, or one of its subtypes.
func contentTypeIs(contentType, want string) bool {
	contentType, want = normalizeContentType(contentType), normalizeContentType(want)
	if contentType == "" || want == "" {
		return false
	}
	if contentType == want {
		return true
	}

	for m := mimetype.Lookup(contentType); m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

func normalizeContentType(s string) string {
	mediaType, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mediaType
}

// SupportCache asks the service for its supported schemes and content types once and keeps
// the answer. A failed request is not cached.
type SupportCache struct {
	fetch func(ctx context.Context) (Supported, error)

	mu        sync.Mutex
	supported *Supported
}

func NewSupportCache(fetch func(ctx context.Context) (Supported, error)) *SupportCache {
	return &SupportCache{fetch: fetch}
}

func (c *SupportCache) Get(ctx context.Context) (Supported, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.supported != nil {
		return *c.supported, nil
	}

	s, err := c.fetch(ctx)
	if err != nil {
		return Supported{}, fmt.Errorf("couldn't get supported types: %w", err)
	}
	if len(s.Schemes) != len(s.ContentTypes) {
		return Supported{}, fmt.Errorf(
			"invalid supported types: %d schemes and %d content types", len(s.Schemes), len(s.ContentTypes),
		)
	}
	c.supported = &s
	return s, nil
}
