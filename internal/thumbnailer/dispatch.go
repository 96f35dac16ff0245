package thumbnailer

import (
	"log/slog"

	"github.com/cuongbtq/thumbnailer/internal/metrics"
)

// update is a thumbnail state change for a batch of URIs that waits for the loop.
type update interface {
	kind() string
	fileURIs() []string
}

type readyUpdate struct {
	uris []string
}

type errorUpdate struct {
	uris    []string
	code    int
	message string
}

func (readyUpdate) kind() string         { return "ready" }
func (u readyUpdate) fileURIs() []string { return u.uris }
func (errorUpdate) kind() string         { return "error" }
func (u errorUpdate) fileURIs() []string { return u.uris }

// Dispatcher turns "ready" and "error" notifications into deferred updates of file states.
type Dispatcher struct {
	loop   *Loop
	files  FileLookup
	logger *slog.Logger
}

func NewDispatcher(loop *Loop, files FileLookup, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		loop:   loop,
		files:  files,
		logger: logger,
	}
}

// schedule queues u on the loop. u is applied later, never inside this call.
func (d *Dispatcher) schedule(u update) bool {
	return d.loop.Defer(func() {
		d.apply(u)
	})
}

func (d *Dispatcher) apply(u update) {
	metrics.DeferredUpdates.WithLabelValues(u.kind()).Inc()

	for _, uri := range u.fileURIs() {
		file, ok := d.files.Lookup(uri)
		if !ok {
			metrics.UnresolvedFiles.Inc()
			d.logger.Debug("Skip update for unknown file",
				slog.String("uri", uri),
				slog.String("kind", u.kind()),
			)
			continue
		}

		switch u := u.(type) {
		case readyUpdate:
			file.SetThumbState(ThumbStateReady)

		case errorUpdate:
			// An error never downgrades a thumbnail that is already there.
			if file.ThumbState() != ThumbStateReady {
				file.SetThumbState(ThumbStateNone)
			}
			d.logger.Debug("Thumbnail generation failed",
				slog.String("uri", uri),
				slog.Int("code", u.code),
				slog.String("message", u.message),
			)
		}
	}
}
