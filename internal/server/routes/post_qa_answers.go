package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/queue"
	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// IngestQAAnswerHandler queues one answered Q&A item for ingestion.
// Question and answer are kept together in the episode content so the
// extraction model sees what the answer was responding to.
func IngestQAAnswerHandler(c echo.Context) error {
	type ingestQAAnswerBody struct {
		QAItemID      string `json:"qa_item_id" validate:"required"`
		Question      string `json:"question" validate:"required"`
		Answer        string `json:"answer" validate:"required"`
		ReferenceTime string `json:"reference_time" validate:"required"`
	}

	type ingestQAAnswerResponse struct {
		Message   string `json:"message"`
		EpisodeID string `json:"episode_id,omitempty"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, ingestQAAnswerResponse{Message: "Namespace is required"})
	}

	data := new(ingestQAAnswerBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestQAAnswerResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestQAAnswerResponse{Message: "Invalid request body"})
	}

	refTime, err := dateparse.ParseAny(data.ReferenceTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ingestQAAnswerResponse{Message: "Invalid reference_time"})
	}

	req := queue.IngestRequest{
		Namespace: namespace,
		Channel:   common.ChannelQAResponse,
		Source: common.SourceRef{
			QAItemID: data.QAItemID,
		},
		Content:       fmt.Sprintf("Q: %s\nA: %s", data.Question, data.Answer),
		ReferenceTime: refTime,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ingestQAAnswerResponse{Message: "Internal server error"})
	}

	ctx := c.Request().Context()
	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ctx, ch, queue.IngestQueue, body); err != nil {
		logger.Error("Failed to publish ingest request", "namespace", namespace, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestQAAnswerResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, ingestQAAnswerResponse{
		Message:   "Episode queued",
		EpisodeID: req.EpisodeID(),
	})
}
