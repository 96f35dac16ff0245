package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/thumbnailer/internal/api/dto"
	"github.com/cuongbtq/thumbnailer/internal/api/handler"
	"github.com/cuongbtq/thumbnailer/internal/files"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

type fakeManager struct {
	mu        sync.Mutex
	nextID    thumbnailer.RequestID
	submitErr error
	submitted [][]thumbnailer.File
	cancelled []thumbnailer.RequestID
}

func (m *fakeManager) Submit(_ context.Context, batch []thumbnailer.File) (thumbnailer.RequestID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return 0, m.submitErr
	}
	for _, f := range batch {
		f.SetThumbState(thumbnailer.ThumbStateLoading)
	}
	m.submitted = append(m.submitted, batch)
	m.nextID++
	return m.nextID, nil
}

func (m *fakeManager) Cancel(id thumbnailer.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelled = append(m.cancelled, id)
}

func (m *fakeManager) ActiveRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.submitted) - len(m.cancelled)
}

type fakeStates struct {
	records map[string]files.StateRecord
	err     error
}

func (s *fakeStates) GetState(_ context.Context, uri string) (*files.StateRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[uri]
	if !ok {
		return nil, files.ErrStateNotFound
	}
	return &rec, nil
}

type testEnv struct {
	router  *gin.Engine
	manager *fakeManager
	catalog *files.Catalog
	deps    *handler.Dependencies
}

func newTestEnv(t *testing.T, modify func(deps *handler.Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := &fakeManager{}
	catalog := files.NewCatalog(logger, nil, "")

	deps := &handler.Dependencies{
		Logger:  logger,
		Manager: manager,
		Catalog: catalog,
	}
	if modify != nil {
		modify(deps)
	}

	return &testEnv{
		router:  SetupRouter(deps, nil),
		manager: manager,
		catalog: catalog,
		deps:    deps,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestCreateRequest(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		env := newTestEnv(t, nil)

		w := env.do(t, http.MethodPost, "/api/v1/requests", dto.CreateRequestRequest{
			Files: []dto.FileRef{
				{URI: "file:///photos/a.jpg", ContentType: "image/jpeg"},
				{URI: "file:///photos/b.png", ContentType: "image/png"},
			},
		})

		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode[dto.CreateRequestResponse](t, w)
		assert.Equal(t, uint32(1), resp.RequestID)
		require.Len(t, resp.Files, 2)
		assert.Equal(t, "file:///photos/a.jpg", resp.Files[0].URI)
		assert.Equal(t, "loading", resp.Files[0].State)

		f, ok := env.catalog.Get("file:///photos/b.png")
		require.True(t, ok)
		assert.Equal(t, "image/png", f.ContentType())
		require.Len(t, env.manager.submitted, 1)
		assert.Len(t, env.manager.submitted[0], 2)
	})

	t.Run("same file reuses catalog entry", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body := dto.CreateRequestRequest{
			Files: []dto.FileRef{{URI: "file:///photos/a.jpg", ContentType: "image/jpeg"}},
		}

		require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/requests", body).Code)
		w := env.do(t, http.MethodPost, "/api/v1/requests", body)
		require.Equal(t, http.StatusAccepted, w.Code)

		assert.Equal(t, uint32(2), decode[dto.CreateRequestResponse](t, w).RequestID)
		assert.Equal(t, 1, env.catalog.Len())
		assert.Same(t, env.manager.submitted[0][0], env.manager.submitted[1][0])
	})

	t.Run("bad requests", func(t *testing.T) {
		tests := []struct {
			name string
			body any
		}{
			{name: "no body", body: nil},
			{name: "no files", body: dto.CreateRequestRequest{}},
			{name: "empty uri", body: dto.CreateRequestRequest{Files: []dto.FileRef{{ContentType: "image/png"}}}},
			{name: "relative uri", body: dto.CreateRequestRequest{Files: []dto.FileRef{{URI: "photos/a.jpg", ContentType: "image/jpeg"}}}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				env := newTestEnv(t, nil)

				w := env.do(t, http.MethodPost, "/api/v1/requests", tt.body)

				assert.Equal(t, http.StatusBadRequest, w.Code)
				assert.Empty(t, env.manager.submitted)
			})
		}
	})

	t.Run("submit errors", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
		}{
			{err: thumbnailer.ErrNoEligibleFiles, status: http.StatusUnprocessableEntity},
			{err: thumbnailer.ErrServiceUnavailable, status: http.StatusServiceUnavailable},
			{err: thumbnailer.ErrClosed, status: http.StatusServiceUnavailable},
			{err: errors.New("boom"), status: http.StatusInternalServerError},
		}

		for _, tt := range tests {
			t.Run(tt.err.Error(), func(t *testing.T) {
				env := newTestEnv(t, nil)
				env.manager.submitErr = tt.err

				w := env.do(t, http.MethodPost, "/api/v1/requests", dto.CreateRequestRequest{
					Files: []dto.FileRef{{URI: "file:///a.txt", ContentType: "text/plain"}},
				})

				assert.Equal(t, tt.status, w.Code)
				assert.Equal(t, tt.err.Error(), decode[dto.ErrorResponse](t, w).Error)
			})
		}
	})
}

func TestCancelRequest(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		env := newTestEnv(t, nil)

		w := env.do(t, http.MethodPost, "/api/v1/requests/7/cancel", nil)

		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode[dto.CancelRequestResponse](t, w)
		assert.Equal(t, uint32(7), resp.RequestID)
		assert.Equal(t, []thumbnailer.RequestID{7}, env.manager.cancelled)
	})

	for _, id := range []string{"0", "abc", "-1", "4294967296"} {
		t.Run("invalid "+id, func(t *testing.T) {
			env := newTestEnv(t, nil)

			w := env.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, env.manager.cancelled)
		})
	}
}

func TestGetFile(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	states := &fakeStates{
		records: map[string]files.StateRecord{
			"file:///old.jpg": {URI: "file:///old.jpg", State: thumbnailer.ThumbStateReady, UpdatedAt: updated},
		},
	}

	t.Run("memory", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) { deps.States = states })
		f, err := env.catalog.Add("file:///a.jpg", "image/jpeg")
		require.NoError(t, err)
		f.SetThumbState(thumbnailer.ThumbStateNone)

		w := env.do(t, http.MethodGet, "/api/v1/files?uri=file:///a.jpg", nil)

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[dto.FileResponse](t, w)
		assert.Equal(t, "none", resp.State)
		assert.Equal(t, "image/jpeg", resp.ContentType)
		assert.Equal(t, "memory", resp.Source)
		assert.Nil(t, resp.UpdatedAt)
	})

	t.Run("history", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) { deps.States = states })

		w := env.do(t, http.MethodGet, "/api/v1/files?uri=file:///old.jpg", nil)

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[dto.FileResponse](t, w)
		assert.Equal(t, "ready", resp.State)
		assert.Equal(t, "history", resp.Source)
		require.NotNil(t, resp.UpdatedAt)
		assert.True(t, updated.Equal(*resp.UpdatedAt))
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) { deps.States = states })

		w := env.do(t, http.MethodGet, "/api/v1/files?uri=file:///missing.jpg", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("not found without persistence", func(t *testing.T) {
		env := newTestEnv(t, nil)

		w := env.do(t, http.MethodGet, "/api/v1/files?uri=file:///old.jpg", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store error", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) {
			deps.States = &fakeStates{err: errors.New("connection refused")}
		})

		w := env.do(t, http.MethodGet, "/api/v1/files?uri=file:///old.jpg", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("missing uri", func(t *testing.T) {
		env := newTestEnv(t, nil)

		w := env.do(t, http.MethodGet, "/api/v1/files", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) {
			deps.Checks = []handler.HealthCheck{
				{Name: "rabbitmq", Check: func(context.Context) error { return nil }},
			}
		})

		w := env.do(t, http.MethodGet, "/health", nil)

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[map[string]any](t, w)
		assert.Equal(t, "healthy", resp["status"])
		assert.Equal(t, map[string]any{"rabbitmq": "ok"}, resp["checks"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		env := newTestEnv(t, func(deps *handler.Dependencies) {
			deps.Checks = []handler.HealthCheck{
				{Name: "rabbitmq", Check: func(context.Context) error { return nil }},
				{Name: "postgresql", Check: func(context.Context) error { return errors.New("down") }},
			}
		})

		w := env.do(t, http.MethodGet, "/health", nil)

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[map[string]any](t, w)
		assert.Equal(t, "unhealthy", resp["status"])
		assert.Equal(t, map[string]any{"rabbitmq": "ok", "postgresql": "down"}, resp["checks"])
	})
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("cors preflight", func(t *testing.T) {
		w := env.do(t, http.MethodOptions, "/api/v1/requests", nil)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/api/v1/files", nil)

		w := env.do(t, http.MethodGet, "/metrics", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `thumbnailer_web_http_response_statuses_total{status="400"}`)
		assert.Contains(t, w.Body.String(), `path="/api/v1/files"`)
	})
}
