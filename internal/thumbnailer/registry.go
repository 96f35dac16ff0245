package thumbnailer

import (
	"errors"
	"sync"
)

var errNoHandle = errors.New("service returned no handle")

// job is one outstanding request.
//
// A job is reachable by requestID for its whole life, and by handle only once its enqueue call
// completed successfully.
type job struct {
	requestID RequestID
	handle    Handle
	cancelled bool
	pending   bool // enqueue call in flight
	call      Call
	uris      []string
}

// Registry is the table of in-flight requests, indexed by request id and by handle.
// All methods are serialized by one mutex that is never held across I/O.
type Registry struct {
	mu       sync.Mutex
	jobs     map[RequestID]*job
	byHandle map[Handle]*job
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[RequestID]*job),
		byHandle: make(map[Handle]*job),
	}
}

// Create registers a job whose enqueue call is about to be issued.
func (r *Registry) Create(id RequestID, uris []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[id] = &job{
		requestID: id,
		pending:   true,
		uris:      uris,
	}
}

// SetCall remembers the token of the in-flight enqueue call. It reports false if the call has
// already completed or the job is gone.
func (r *Registry) SetCall(id RequestID, call Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !j.pending {
		return false
	}
	j.call = call
	return true
}

type CompletionAction int

const (
	// CompletionUnknown: the job no longer exists (for example, after Shutdown).
	CompletionUnknown CompletionAction = iota
	// CompletionAttached: the handle is attached, the job waits for notifications.
	CompletionAttached
	// CompletionCancelled: the job was cancelled while the call was in flight and is removed.
	// Handle, if not 0, must be dequeued.
	CompletionCancelled
	// CompletionFailed: the service didn't accept the batch, the job is removed.
	CompletionFailed
)

type Completion struct {
	Action CompletionAction
	Handle Handle
	URIs   []string
	Err    error
	// Evicted is the request that held Handle before and lost it.
	Evicted RequestID
}

// Complete processes the completion of a job's enqueue call. It clears the in-flight call and
// either attaches the handle or removes the job.
func (r *Registry) Complete(id RequestID, res QueueResult) Completion {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !j.pending {
		return Completion{Action: CompletionUnknown}
	}
	j.pending = false
	j.call = nil

	if j.cancelled {
		r.removeLocked(j)

		c := Completion{Action: CompletionCancelled}
		if res.Err == nil {
			c.Handle = res.Handle
		}
		return c
	}

	err := res.Err
	if err == nil && res.Handle == 0 {
		err = errNoHandle
	}
	if err != nil {
		r.removeLocked(j)
		return Completion{
			Action: CompletionFailed,
			URIs:   j.uris,
			Err:    err,
		}
	}

	c := Completion{
		Action: CompletionAttached,
		Handle: res.Handle,
	}
	if other, ok := r.byHandle[res.Handle]; ok && other != j {
		r.removeLocked(other)
		c.Evicted = other.requestID
	}
	j.handle = res.Handle
	r.byHandle[res.Handle] = j
	return c
}

type Cancellation struct {
	Found bool
	// Removed is true when the job already had a handle and was removed. Handle must be dequeued.
	Removed bool
	Handle  Handle
}

// Cancel marks the job cancelled. A job with a handle is removed at once; a job whose enqueue
// call is still in flight is left for Complete to remove.
func (r *Registry) Cancel(id RequestID) Cancellation {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return Cancellation{}
	}
	j.cancelled = true

	if j.handle == 0 {
		return Cancellation{Found: true}
	}
	r.removeLocked(j)
	return Cancellation{
		Found:   true,
		Removed: true,
		Handle:  j.handle,
	}
}

// WithHandle calls fn under the registry lock if a job owns the handle. fn must not block.
func (r *Registry) WithHandle(handle Handle, fn func(id RequestID)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byHandle[handle]
	if !ok {
		return false
	}
	fn(j.requestID)
	return true
}

// Finish removes the job that owns the handle and returns its request id.
func (r *Registry) Finish(handle Handle) (RequestID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byHandle[handle]
	if !ok {
		return 0, false
	}
	r.removeLocked(j)
	return j.requestID, true
}

// Remove deletes the job from all indices.
func (r *Registry) Remove(id RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	r.removeLocked(j)
	return true
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.jobs)
}

// Drained is what Drain returns: in-flight calls to cancel and handles to dequeue.
type Drained struct {
	Calls   []Call
	Handles []Handle
}

// Drain removes every job. whileLocked, if not nil, runs before the lock is released.
func (r *Registry) Drain(whileLocked func()) Drained {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Drained
	for _, j := range r.jobs {
		if j.pending && j.call != nil {
			res.Calls = append(res.Calls, j.call)
		}
		if j.handle != 0 {
			res.Handles = append(res.Handles, j.handle)
		}
	}
	clear(r.jobs)
	clear(r.byHandle)

	if whileLocked != nil {
		whileLocked()
	}
	return res
}

func (r *Registry) removeLocked(j *job) {
	delete(r.jobs, j.requestID)
	if j.handle != 0 && r.byHandle[j.handle] == j {
		delete(r.byHandle, j.handle)
	}
}
