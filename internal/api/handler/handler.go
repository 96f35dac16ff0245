package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/thumbnailer/internal/files"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

// RequestManager is the part of thumbnailer.Manager used by the handlers.
type RequestManager interface {
	Submit(ctx context.Context, files []thumbnailer.File) (thumbnailer.RequestID, error)
	Cancel(id thumbnailer.RequestID)
	ActiveRequests() int
}

// StateStore looks up persisted thumbnail states.
type StateStore interface {
	GetState(ctx context.Context, uri string) (*files.StateRecord, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Manager RequestManager
	Catalog *files.Catalog
	// States is nil when persistence is disabled.
	States StateStore
	Checks []HealthCheck
}

// RequestHandler handles thumbnail request HTTP calls
type RequestHandler struct {
	logger  *slog.Logger
	manager RequestManager
	catalog *files.Catalog
}

// NewRequestHandler creates a new RequestHandler instance
func NewRequestHandler(deps *Dependencies) *RequestHandler {
	return &RequestHandler{
		logger:  deps.Logger,
		manager: deps.Manager,
		catalog: deps.Catalog,
	}
}

// FileHandler handles file state HTTP calls
type FileHandler struct {
	logger  *slog.Logger
	catalog *files.Catalog
	states  StateStore
}

// NewFileHandler creates a new FileHandler instance
func NewFileHandler(deps *Dependencies) *FileHandler {
	return &FileHandler{
		logger:  deps.Logger,
		catalog: deps.Catalog,
		states:  deps.States,
	}
}
