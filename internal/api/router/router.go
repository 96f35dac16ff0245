package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/thumbnailer/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes. events serves the
// websocket event stream.
func SetupRouter(deps *handler.Dependencies, events http.Handler) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requestHandler := handler.NewRequestHandler(deps)
	fileHandler := handler.NewFileHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		requests := v1.Group("/requests")
		{
			// POST /api/v1/requests - Request thumbnails for a batch of files
			requests.POST("", requestHandler.CreateRequest)

			// POST /api/v1/requests/:request_id/cancel - Cancel a request
			requests.POST("/:request_id/cancel", requestHandler.CancelRequest)
		}

		// GET /api/v1/files?uri=... - Thumbnail state of a file
		v1.GET("/files", fileHandler.GetFile)

		// GET /api/v1/events - Websocket stream of request events
		if events != nil {
			v1.GET("/events", gin.WrapH(events))
		}
	}

	return r
}
