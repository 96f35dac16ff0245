package thumbnailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/thumbnailer/internal/metrics"
)

// Config holds Manager configuration
type Config struct {
	Logger      *slog.Logger
	Service     Service
	Files       FileLookup
	Priority    Priority
	HandleClass HandleClass
	Flags       uint32
	// EventsBuffer is the capacity of the channel returned by Events.
	EventsBuffer int
	// LoopBuffer is the number of work items that can wait for the loop.
	LoopBuffer int
	// Allocator is optional. By default the first request id is 1.
	Allocator *Allocator
}

// Manager issues thumbnail requests to the thumbnailing service and reconciles the service's
// notifications with the requests of its callers. One Manager shares one service connection
// between all callers.
type Manager struct {
	logger      *slog.Logger
	service     Service
	priority    Priority
	handleClass HandleClass
	flags       uint32

	ids        *Allocator
	registry   *Registry
	loop       *Loop
	dispatcher *Dispatcher
	support    *SupportCache

	events chan Event

	closed  atomic.Bool
	running atomic.Bool
	runDone chan struct{}
}

// NewManager creates a new Manager. Run must be called to process the service's answers.
func NewManager(cfg *Config) *Manager {
	ids := cfg.Allocator
	if ids == nil {
		ids = NewAllocator(0)
	}
	priority := cfg.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	handleClass := cfg.HandleClass
	if handleClass == "" {
		handleClass = HandleClassForeground
	}
	loopBuffer := cfg.LoopBuffer
	if loopBuffer <= 0 {
		loopBuffer = 1024
	}
	eventsBuffer := cfg.EventsBuffer
	if eventsBuffer <= 0 {
		eventsBuffer = 256
	}

	loop := NewLoop(loopBuffer)

	m := &Manager{
		logger:      cfg.Logger,
		service:     cfg.Service,
		priority:    priority,
		handleClass: handleClass,
		flags:       cfg.Flags,
		//
		ids:        ids,
		registry:   NewRegistry(),
		loop:       loop,
		dispatcher: NewDispatcher(loop, cfg.Files, cfg.Logger),
		//
		events:  make(chan Event, eventsBuffer),
		runDone: make(chan struct{}),
	}
	m.support = NewSupportCache(func(ctx context.Context) (Supported, error) {
		if m.service == nil {
			return Supported{}, ErrServiceUnavailable
		}
		return m.service.GetSupported(ctx)
	})
	return m
}

// Run processes call completions, notifications and deferred updates until ctx is canceled
// or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("manager is already running")
	}
	defer close(m.runDone)

	m.logger.Info("Thumbnail request manager started")

	err := m.loop.Run(ctx)

	m.logger.Info("Thumbnail request manager stopped")
	return err
}

// Events returns the channel of finished and failed requests. The channel has a single
// consumer and must be drained: the loop waits while it is full. It is closed by Shutdown.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ActiveRequests returns the number of requests that haven't finished yet.
func (m *Manager) ActiveRequests() int {
	return m.registry.Len()
}

// Submit asks the service to generate thumbnails for all eligible files as one batch. Files the
// service can't thumbnail are skipped. Eligible files switch to the "loading" state before Submit
// returns.
func (m *Manager) Submit(ctx context.Context, files []File) (RequestID, error) {
	if m.closed.Load() {
		metrics.RequestsRejected.WithLabelValues("closed").Inc()
		return 0, ErrClosed
	}
	if m.service == nil || !m.service.Connected() {
		metrics.RequestsRejected.WithLabelValues("service_unavailable").Inc()
		return 0, ErrServiceUnavailable
	}

	supported, err := m.support.Get(ctx)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues("service_unavailable").Inc()
		return 0, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	eligible := make([]File, 0, len(files))
	for _, f := range files {
		if supported.Allows(f.URI(), f.ContentType()) {
			eligible = append(eligible, f)
		}
	}
	if len(eligible) == 0 {
		metrics.RequestsRejected.WithLabelValues("no_eligible_files").Inc()
		return 0, ErrNoEligibleFiles
	}

	id := m.ids.Next()

	req := QueueRequest{
		URIs:        make([]string, 0, len(eligible)),
		MimeHints:   make([]string, 0, len(eligible)),
		Priority:    m.priority,
		HandleClass: m.handleClass,
		Flags:       m.flags,
	}
	for _, f := range eligible {
		f.SetThumbState(ThumbStateLoading)

		req.URIs = append(req.URIs, f.URI())
		req.MimeHints = append(req.MimeHints, f.ContentType())
	}

	m.registry.Create(id, req.URIs)

	start := time.Now()
	call, err := m.service.Queue(ctx, req, func(res QueueResult) {
		metrics.QueueCallDuration.Observe(time.Since(start).Seconds())

		if !m.loop.Post(func() { m.queueCompleted(id, res) }) {
			m.logger.Debug("Drop queue completion after shutdown",
				slog.Uint64("request_id", uint64(id)),
			)
		}
	})
	if err != nil {
		m.registry.Remove(id)
		revertLoading(eligible)

		m.logger.Error("Failed to queue thumbnail request",
			slog.Uint64("request_id", uint64(id)),
			slog.Any("error", err),
		)
		metrics.RequestsRejected.WithLabelValues("service_unavailable").Inc()
		return 0, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	m.registry.SetCall(id, call)

	if m.closed.Load() {
		// Shutdown ran concurrently and may have missed this request.
		call.Cancel()
		m.registry.Remove(id)
		revertLoading(eligible)
		return 0, ErrClosed
	}

	metrics.RequestsSubmitted.Inc()
	metrics.ActiveJobs.Set(float64(m.registry.Len()))

	m.logger.Info("Thumbnail request submitted",
		slog.Uint64("request_id", uint64(id)),
		slog.Int("files", len(eligible)),
		slog.Int("skipped", len(files)-len(eligible)),
	)

	return id, nil
}

// Cancel cancels a request. No event is raised for a cancelled request. Cancel is idempotent
// and never waits for the service.
func (m *Manager) Cancel(id RequestID) {
	c := m.registry.Cancel(id)
	if !c.Found {
		m.logger.Debug("Cancel of unknown request",
			slog.Uint64("request_id", uint64(id)),
		)
		return
	}

	metrics.RequestsCancelled.Inc()

	if c.Removed {
		m.dequeue(c.Handle)
		metrics.ActiveJobs.Set(float64(m.registry.Len()))
	}

	m.logger.Info("Thumbnail request cancelled",
		slog.Uint64("request_id", uint64(id)),
		slog.Bool("had_handle", c.Removed),
	)
}

// HandleSignal accepts a notification from the service. It may be called from any goroutine;
// the notification is processed on the loop.
func (m *Manager) HandleSignal(sig Signal) {
	if !m.loop.Post(func() { m.handleSignal(sig) }) {
		m.logger.Debug("Drop notification after shutdown",
			slog.Uint64("handle", uint64(sig.SignalHandle())),
		)
	}
}

// Shutdown cancels all in-flight calls, dequeues all requests that have a handle, drops all
// pending deferred updates and stops Run. The events channel is closed once Run returns, even
// when ctx expires first. The service connection itself is left to the caller.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var dropped int
	drained := m.registry.Drain(func() {
		dropped = m.loop.Close()
	})

	for _, call := range drained.Calls {
		call.Cancel()
	}
	for _, handle := range drained.Handles {
		m.dequeue(handle)
	}
	metrics.ActiveJobs.Set(0)

	m.logger.Info("Thumbnail request manager shut down",
		slog.Int("cancelled_calls", len(drained.Calls)),
		slog.Int("dequeued", len(drained.Handles)),
		slog.Int("dropped_updates", dropped),
	)

	if m.running.Load() {
		select {
		case <-m.runDone:
		case <-ctx.Done():
			go func() {
				<-m.runDone
				close(m.events)
			}()
			return ctx.Err()
		}
	}
	close(m.events)

	return nil
}

func (m *Manager) queueCompleted(id RequestID, res QueueResult) {
	c := m.registry.Complete(id, res)

	switch c.Action {
	case CompletionUnknown:
		m.logger.Debug("Queue completion for unknown request",
			slog.Uint64("request_id", uint64(id)),
		)

	case CompletionAttached:
		m.logger.Debug("Thumbnail request accepted",
			slog.Uint64("request_id", uint64(id)),
			slog.Uint64("handle", uint64(c.Handle)),
		)
		if c.Evicted != 0 {
			m.logger.Warn("Handle reused by the service, drop stale request",
				slog.Uint64("handle", uint64(c.Handle)),
				slog.Uint64("request_id", uint64(id)),
				slog.Uint64("stale_request_id", uint64(c.Evicted)),
			)
		}

	case CompletionCancelled:
		if c.Handle != 0 {
			m.dequeue(c.Handle)
		}
		m.logger.Debug("Cancelled request completed",
			slog.Uint64("request_id", uint64(id)),
			slog.Uint64("handle", uint64(c.Handle)),
		)

	case CompletionFailed:
		metrics.RequestsFailed.Inc()
		m.logger.Error("Thumbnailing service rejected request",
			slog.Uint64("request_id", uint64(id)),
			slog.Any("error", c.Err),
		)

		m.dispatcher.schedule(errorUpdate{
			uris:    c.URIs,
			message: c.Err.Error(),
		})
		m.emit(Event{RequestID: id, Err: c.Err})
	}

	metrics.ActiveJobs.Set(float64(m.registry.Len()))
}

func (m *Manager) handleSignal(sig Signal) {
	switch s := sig.(type) {
	case Started:
		m.logger.Debug("Service started request",
			slog.Uint64("handle", uint64(s.Handle)),
		)

	case Ready:
		m.scheduleUpdate(s.Handle, readyUpdate{uris: s.URIs})

	case Error:
		m.scheduleUpdate(s.Handle, errorUpdate{
			uris:    s.URIs,
			code:    s.Code,
			message: s.Message,
		})

	case Finished:
		id, ok := m.registry.Finish(s.Handle)
		if !ok {
			metrics.Notifications.WithLabelValues("finished", "ignored").Inc()
			m.logger.Debug("Ignore finished notification for unknown handle",
				slog.Uint64("handle", uint64(s.Handle)),
			)
			return
		}
		metrics.Notifications.WithLabelValues("finished", "accepted").Inc()
		metrics.RequestsFinished.Inc()
		metrics.ActiveJobs.Set(float64(m.registry.Len()))

		m.logger.Info("Thumbnail request finished",
			slog.Uint64("request_id", uint64(id)),
			slog.Uint64("handle", uint64(s.Handle)),
		)
		m.emit(Event{RequestID: id})

	default:
		m.logger.Warn("Unknown notification", slog.String("type", fmt.Sprintf("%T", sig)))
	}
}

// scheduleUpdate defers u if the handle belongs to one of our requests. Notifications for other
// handles belong to other listeners of the same service and are ignored.
func (m *Manager) scheduleUpdate(handle Handle, u update) {
	if len(u.fileURIs()) == 0 {
		return
	}

	scheduled := false
	known := m.registry.WithHandle(handle, func(RequestID) {
		scheduled = m.dispatcher.schedule(u)
	})
	if !known || !scheduled {
		metrics.Notifications.WithLabelValues(u.kind(), "ignored").Inc()
		m.logger.Debug("Ignore notification for unknown handle",
			slog.Uint64("handle", uint64(handle)),
			slog.String("kind", u.kind()),
		)
		return
	}
	metrics.Notifications.WithLabelValues(u.kind(), "accepted").Inc()
}

func (m *Manager) dequeue(handle Handle) {
	metrics.Dequeues.Inc()
	m.service.Dequeue(handle)
}

// revertLoading puts files of a request that was never issued back to "none".
func revertLoading(files []File) {
	for _, f := range files {
		if f.ThumbState() == ThumbStateLoading {
			f.SetThumbState(ThumbStateNone)
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.loop.quit:
	}
}
