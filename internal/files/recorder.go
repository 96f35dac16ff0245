package files

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/thumbnailer/internal/metrics"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

// StateSaver persists a state record. *Store implements it.
type StateSaver interface {
	SaveState(ctx context.Context, rec StateRecord) error
}

// Recorder persists state changes in the background. Record never blocks: when the buffer
// is full the record is dropped.
type Recorder struct {
	logger *slog.Logger
	saver  StateSaver

	mu      sync.RWMutex
	stopped bool
	ch      chan StateRecord

	doneCh chan struct{}
}

var _ StateRecorder = (*Recorder)(nil)

func NewRecorder(logger *slog.Logger, saver StateSaver, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}

	r := &Recorder{
		logger: logger,
		saver:  saver,
		ch:     make(chan StateRecord, buffer),
		doneCh: make(chan struct{}),
	}

	go r.startWorker()

	return r
}

func (r *Recorder) Record(uri string, state thumbnailer.ThumbState) {
	rec := StateRecord{
		URI:       uri,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		metrics.StateRecords.WithLabelValues("dropped").Inc()
		return
	}

	select {
	case r.ch <- rec:
	default:
		metrics.StateRecords.WithLabelValues("dropped").Inc()
		r.logger.Warn("State record buffer is full, drop record",
			slog.String("uri", uri),
			slog.String("state", string(state)),
		)
	}
}

func (r *Recorder) startWorker() {
	defer close(r.doneCh)

	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.saver.SaveState(ctx, rec)
		cancel()

		if err != nil {
			metrics.StateRecords.WithLabelValues("error").Inc()
			r.logger.Error("Failed to persist thumbnail state",
				slog.String("uri", rec.URI),
				slog.Any("error", err),
			)
			continue
		}
		metrics.StateRecords.WithLabelValues("saved").Inc()
	}
}

// Shutdown stops accepting records and waits until the buffered ones are persisted, with
// respect of the passed context.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return nil
	}
}

// NoopRecorder is used when persistence is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(string, thumbnailer.ThumbState) {}

func (NoopRecorder) Shutdown(context.Context) error {
	return nil
}
