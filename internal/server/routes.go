package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoferino/manda-platform-sub010/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiRoutes := e.Group("/api")

	// Ingestion routes. Handlers only publish to the ingest queue; the
	// worker does the graph writes.
	apiRoutes.POST("/namespaces/:namespace/documents", routes.IngestDocumentHandler)
	apiRoutes.POST("/namespaces/:namespace/qa-answers", routes.IngestQAAnswerHandler)
	apiRoutes.POST("/namespaces/:namespace/chat-assertions", routes.IngestChatAssertionHandler)

	// Query routes
	apiRoutes.POST("/namespaces/:namespace/retrieve", routes.RetrieveHandler)
	apiRoutes.GET("/namespaces/:namespace/episodes/:id", routes.GetEpisodeHandler)
	apiRoutes.GET("/namespaces/:namespace/resolutions", routes.GetResolutionsHandler)

	// Entity routes
	apiRoutes.GET("/entities/:id", routes.GetEntityHandler)
	apiRoutes.POST("/entities/merge", routes.MergeEntitiesHandler)
}
