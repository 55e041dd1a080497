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

// IngestChatAssertionHandler queues one analyst-confirmed assertion
// from a chat session for ingestion.
func IngestChatAssertionHandler(c echo.Context) error {
	type ingestChatAssertionBody struct {
		MessageID         string `json:"message_id" validate:"required"`
		ExtractedFactText string `json:"extracted_fact_text" validate:"required"`
		ReferenceTime     string `json:"reference_time" validate:"required"`
	}

	type ingestChatAssertionResponse struct {
		Message   string `json:"message"`
		EpisodeID string `json:"episode_id,omitempty"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, ingestChatAssertionResponse{Message: "Namespace is required"})
	}

	data := new(ingestChatAssertionBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestChatAssertionResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestChatAssertionResponse{Message: "Invalid request body"})
	}

	refTime, err := dateparse.ParseAny(data.ReferenceTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ingestChatAssertionResponse{Message: "Invalid reference_time"})
	}

	req := queue.IngestRequest{
		Namespace: namespace,
		Channel:   common.ChannelAnalystChat,
		Source: common.SourceRef{
			MessageID: data.MessageID,
		},
		Content:       data.ExtractedFactText,
		ReferenceTime: refTime,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ingestChatAssertionResponse{Message: "Internal server error"})
	}

	ctx := c.Request().Context()
	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ctx, ch, queue.IngestQueue, body); err != nil {
		logger.Error("Failed to publish ingest request", "namespace", namespace, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestChatAssertionResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, ingestChatAssertionResponse{
		Message:   "Episode queued",
		EpisodeID: req.EpisodeID(),
	})
}
