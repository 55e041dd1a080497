package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/queue"
	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// IngestDocumentHandler queues one document chunk for ingestion. The
// returned episode id is deterministic, so callers can poll the episode
// before the worker has picked it up.
func IngestDocumentHandler(c echo.Context) error {
	type ingestDocumentBody struct {
		DocumentID    string `json:"document_id" validate:"required"`
		ChunkIndex    int    `json:"chunk_index" validate:"gte=0"`
		PageNumber    int    `json:"page_number" validate:"omitempty,gte=0"`
		Text          string `json:"text" validate:"required"`
		ReferenceTime string `json:"reference_time" validate:"required"`
	}

	type ingestDocumentResponse struct {
		Message   string `json:"message"`
		EpisodeID string `json:"episode_id,omitempty"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, ingestDocumentResponse{Message: "Namespace is required"})
	}

	data := new(ingestDocumentBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestDocumentResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestDocumentResponse{Message: "Invalid request body"})
	}

	refTime, err := dateparse.ParseAny(data.ReferenceTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ingestDocumentResponse{Message: "Invalid reference_time"})
	}

	req := queue.IngestRequest{
		Namespace: namespace,
		Channel:   common.ChannelDocument,
		Source: common.SourceRef{
			DocumentID: data.DocumentID,
			ChunkIndex: data.ChunkIndex,
			PageNumber: data.PageNumber,
		},
		Content:       data.Text,
		ReferenceTime: refTime,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ingestDocumentResponse{Message: "Internal server error"})
	}

	ctx := c.Request().Context()
	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ctx, ch, queue.IngestQueue, body); err != nil {
		logger.Error("Failed to publish ingest request", "namespace", namespace, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestDocumentResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, ingestDocumentResponse{
		Message:   "Episode queued",
		EpisodeID: req.EpisodeID(),
	})
}
