package files

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

// ErrInvalidURI is returned for URIs without a scheme
var ErrInvalidURI = errors.New("invalid file uri")

// StateRecorder receives every thumbnail state change.
type StateRecorder interface {
	Record(uri string, state thumbnailer.ThumbState)
}

// File is a file known to the service together with its thumbnail state. It implements
// thumbnailer.File.
type File struct {
	uri         string
	contentType string

	mu       sync.RWMutex
	state    thumbnailer.ThumbState
	recorder StateRecorder
}

func (f *File) URI() string         { return f.uri }
func (f *File) ContentType() string { return f.contentType }

func (f *File) ThumbState() thumbnailer.ThumbState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.state
}

func (f *File) SetThumbState(state thumbnailer.ThumbState) {
	f.mu.Lock()
	changed := f.state != state
	f.state = state
	f.mu.Unlock()

	if changed && f.recorder != nil {
		f.recorder.Record(f.uri, state)
	}
}

// Catalog holds all files callers asked about, keyed by URI.
type Catalog struct {
	logger   *slog.Logger
	recorder StateRecorder
	detect   func(uri string) string

	mu    sync.RWMutex
	files map[string]*File
}

var _ thumbnailer.FileLookup = (*Catalog)(nil)

// NewCatalog creates an empty catalog. recorder may be nil. Content types of local files below
// detectRoot are sniffed when the caller gives none; an empty detectRoot disables sniffing.
func NewCatalog(logger *slog.Logger, recorder StateRecorder, detectRoot string) *Catalog {
	return &Catalog{
		logger:   logger,
		recorder: recorder,
		detect: func(uri string) string {
			return DetectContentType(detectRoot, uri)
		},
		files: make(map[string]*File),
	}
}

// Add returns the file with the given URI, creating it if needed. An empty content type is
// detected from the file contents for local files below the detection root.
func (c *Catalog) Add(uri, contentType string) (*File, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}

	c.mu.RLock()
	f, ok := c.files[uri]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	if contentType == "" {
		contentType = c.detect(uri)
		if contentType != "" {
			c.logger.Debug("Content type detected",
				slog.String("uri", uri),
				slog.String("content_type", contentType),
			)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.files[uri]; ok {
		return f, nil
	}
	f = &File{
		uri:         uri,
		contentType: contentType,
		state:       thumbnailer.ThumbStateUnknown,
		recorder:    c.recorder,
	}
	c.files[uri] = f

	return f, nil
}

// Get returns the file with the given URI.
func (c *Catalog) Get(uri string) (*File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.files[uri]
	return f, ok
}

// Lookup resolves a URI reported by the thumbnailing service.
func (c *Catalog) Lookup(uri string) (thumbnailer.File, bool) {
	f, ok := c.Get(uri)
	if !ok {
		return nil, false
	}
	return f, true
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.files)
}
