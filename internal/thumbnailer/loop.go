package thumbnailer

import (
	"context"
	"sync"
)

// Loop is the single cooperative event loop of the Manager. Call completions and service
// notifications are posted as work items; deferred tasks run at low priority, one at a time,
// only when no work item is waiting.
type Loop struct {
	work chan func()
	wake chan struct{}
	quit chan struct{}

	mu       sync.Mutex
	deferred []func()
	closed   bool

	closeOnce sync.Once
}

func NewLoop(buffer int) *Loop {
	return &Loop{
		work: make(chan func(), buffer),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post schedules fn as a work item. It blocks while the work buffer is full and reports false
// if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.work <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Defer schedules fn as a deferred task. It never runs fn inline.
func (l *Loop) Defer(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PendingDeferred returns the number of deferred tasks that haven't run yet.
func (l *Loop) PendingDeferred() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.deferred)
}

// Run processes work items and deferred tasks until ctx is canceled or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		default:
		}

		// Work items always go first.
		select {
		case fn := <-l.work:
			fn()
			continue
		default:
		}

		if l.runDeferred() {
			continue
		}

		select {
		case fn := <-l.work:
			fn()
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return nil
		}
	}
}

// Close drops all deferred tasks and stops Run. It returns the number of dropped tasks.
func (l *Loop) Close() int {
	l.mu.Lock()
	dropped := len(l.deferred)
	l.deferred = nil
	l.closed = true
	l.mu.Unlock()

	l.closeOnce.Do(func() {
		close(l.quit)
	})
	return dropped
}

func (l *Loop) runDeferred() bool {
	l.mu.Lock()
	if len(l.deferred) == 0 {
		l.mu.Unlock()
		return false
	}
	fn := l.deferred[0]
	l.deferred[0] = nil
	l.deferred = l.deferred[1:]
	l.mu.Unlock()

	fn()
	return true
}
