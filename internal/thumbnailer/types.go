package thumbnailer

import (
	"context"
	"fmt"
)

// RequestID identifies a batch submitted through the Manager. It is never 0.
type RequestID uint32

// Handle is the correlation token the thumbnailing service assigns to an accepted batch.
// 0 means "no handle".
type Handle uint32

// ThumbState is the thumbnail state of a file.
type ThumbState string

const (
	ThumbStateUnknown ThumbState = "unknown"
	ThumbStateNone    ThumbState = "none"
	ThumbStateLoading ThumbState = "loading"
	ThumbStateReady   ThumbState = "ready"
)

// File is the external file object whose thumbnail state the Manager drives.
type File interface {
	URI() string
	ContentType() string
	ThumbState() ThumbState
	SetThumbState(ThumbState)
}

// FileLookup resolves a URI reported by the service back to a file.
type FileLookup interface {
	Lookup(uri string) (File, bool)
}

// Priority is the scheduler the service should use for a batch.
type Priority string

const (
	PriorityDefault    Priority = "default"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// HandleClass tells the service how urgent a batch is.
type HandleClass string

const (
	HandleClassForeground HandleClass = "foreground"
	HandleClassBackground HandleClass = "background"
)

// ParsePriority validates a priority coming from configuration.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityDefault, PriorityNormal, PriorityBackground:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q", s)
	}
}

// ParseHandleClass validates a handle class coming from configuration.
func ParseHandleClass(s string) (HandleClass, error) {
	switch c := HandleClass(s); c {
	case HandleClassForeground, HandleClassBackground:
		return c, nil
	default:
		return "", fmt.Errorf("invalid handle class %q", s)
	}
}

// QueueRequest is one enqueue call to the service.
type QueueRequest struct {
	URIs        []string
	MimeHints   []string
	Priority    Priority
	HandleClass HandleClass
	Flags       uint32
}

// QueueResult is the completion of an enqueue call: either a handle or a delivery error.
type QueueResult struct {
	Handle Handle
	Err    error
}

// Call is the token of an in-flight enqueue call.
type Call interface {
	// Cancel drops the call. Its completion callback will not run afterwards.
	Cancel()
}

// Supported is the catalog of URI schemes and content types the service can thumbnail.
// Schemes[n] and ContentTypes[n] form one pair.
type Supported struct {
	Schemes      []string
	ContentTypes []string
}

// Service is the thumbnailing service connection.
//
// Queue either returns an error and never calls done, or returns nil and calls done exactly
// once (unless the returned Call is cancelled). done may run on any goroutine.
type Service interface {
	Connected() bool
	GetSupported(ctx context.Context) (Supported, error)
	Queue(ctx context.Context, req QueueRequest, done func(QueueResult)) (Call, error)
	Dequeue(handle Handle)
}

// Signal is a notification delivered by the service.
type Signal interface {
	SignalHandle() Handle
}

type Started struct {
	Handle Handle
}

type Ready struct {
	Handle Handle
	URIs   []string
}

type Error struct {
	Handle  Handle
	URIs    []string
	Code    int
	Message string
}

type Finished struct {
	Handle Handle
}

func (s Started) SignalHandle() Handle  { return s.Handle }
func (s Ready) SignalHandle() Handle    { return s.Handle }
func (s Error) SignalHandle() Handle    { return s.Handle }
func (s Finished) SignalHandle() Handle { return s.Handle }

// EventType tells apart the two kinds of Event.
type EventType string

const (
	EventRequestFinished EventType = "request_finished"
	EventRequestFailed   EventType = "request_failed"
)

// Event is raised at most once per accepted, non-cancelled request.
type Event struct {
	RequestID RequestID
	// Err is set when the service could not accept the batch.
	Err error
}

func (e Event) Type() EventType {
	if e.Err != nil {
		return EventRequestFailed
	}
	return EventRequestFinished
}
