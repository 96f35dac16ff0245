package thumbnailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// flush runs everything queued on the loop, including tasks scheduled by the tasks themselves.
func (l *Loop) flush() {
	for {
		select {
		case fn := <-l.work:
			fn()
			continue
		default:
		}
		if !l.runDeferred() {
			return
		}
	}
}

type fakeFile struct {
	uri         string
	contentType string

	mu    sync.Mutex
	state ThumbState
}

func newFakeFile(uri, contentType string) *fakeFile {
	return &fakeFile{uri: uri, contentType: contentType, state: ThumbStateUnknown}
}

func (f *fakeFile) URI() string         { return f.uri }
func (f *fakeFile) ContentType() string { return f.contentType }

func (f *fakeFile) ThumbState() ThumbState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFile) SetThumbState(s ThumbState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

type fakeFiles map[string]*fakeFile

func (ff fakeFiles) Lookup(uri string) (File, bool) {
	f, ok := ff[uri]
	if !ok {
		return nil, false
	}
	return f, true
}

func (ff fakeFiles) add(files ...*fakeFile) []File {
	res := make([]File, 0, len(files))
	for _, f := range files {
		ff[f.uri] = f
		res = append(res, f)
	}
	return res
}

type fakeCall struct {
	req  QueueRequest
	done func(QueueResult)

	mu        sync.Mutex
	cancelled bool
}

func (c *fakeCall) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *fakeCall) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

type fakeService struct {
	mu                sync.Mutex
	disconnected      bool
	supported         Supported
	supportedErr      error
	getSupportedCalls int
	queueErr          error
	calls             []*fakeCall
	dequeued          []Handle

	// onQueue runs at the start of Queue, without the lock held.
	onQueue func()
}

func newFakeService() *fakeService {
	return &fakeService{
		supported: Supported{
			Schemes:      []string{"file", "file", "sftp"},
			ContentTypes: []string{"image/jpeg", "image/png", "image/jpeg"},
		},
	}
}

func (s *fakeService) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnected
}

func (s *fakeService) GetSupported(context.Context) (Supported, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getSupportedCalls++
	if s.supportedErr != nil {
		return Supported{}, s.supportedErr
	}
	return s.supported, nil
}

func (s *fakeService) Queue(_ context.Context, req QueueRequest, done func(QueueResult)) (Call, error) {
	if s.onQueue != nil {
		s.onQueue()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueErr != nil {
		return nil, s.queueErr
	}
	c := &fakeCall{req: req, done: done}
	s.calls = append(s.calls, c)
	return c, nil
}

func (s *fakeService) Dequeue(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeued = append(s.dequeued, handle)
}

func (s *fakeService) lastCall(t *testing.T) *fakeCall {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("no queue calls")
	}
	return s.calls[len(s.calls)-1]
}

func (s *fakeService) dequeuedHandles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handle(nil), s.dequeued...)
}

var errDelivery = errors.New("no reply from service")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	m       *Manager
	service *fakeService
	files   fakeFiles
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		service: newFakeService(),
		files:   fakeFiles{},
	}
	env.m = NewManager(&Config{
		Logger:  discardLogger(),
		Service: env.service,
		Files:   env.files,
	})
	return env
}

// events returns all events raised so far without blocking.
func (env *testEnv) events() []Event {
	var res []Event
	for {
		select {
		case ev, ok := <-env.m.Events():
			if !ok {
				return res
			}
			res = append(res, ev)
		default:
			return res
		}
	}
}
