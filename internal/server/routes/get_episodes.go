package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// GetEpisodeHandler returns one episode's evidence and processing
// status. For failed episodes the archived quarantine envelope is
// attached when an object store is configured, so operators can review
// the rejected payload without digging through the bucket.
func GetEpisodeHandler(c echo.Context) error {
	type getEpisodeResponse struct {
		Message     string          `json:"message,omitempty"`
		Episode     *common.Episode `json:"episode,omitempty"`
		Quarantined json.RawMessage `json:"quarantined,omitempty"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, getEpisodeResponse{Message: "Namespace is required"})
	}
	id := c.Param("id")

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	episode, err := app.Store.GetEpisode(ctx, namespace, id)
	if errors.Is(err, errs.ErrEpisodeNotFound) {
		return c.JSON(http.StatusNotFound, getEpisodeResponse{Message: "Episode not found"})
	}
	if err != nil {
		logger.Error("Failed to get episode", "namespace", namespace, "id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, getEpisodeResponse{Message: "Internal server error"})
	}

	resp := getEpisodeResponse{Episode: &episode}

	if episode.Status == common.EpisodeFailed && app.Quarantine != nil {
		payload, err := app.Quarantine.FetchPayload(ctx, namespace, id)
		if err != nil {
			// The episode itself is still useful; review just loses
			// the raw payload.
			logger.Warn("Failed to fetch quarantined payload", "namespace", namespace, "id", id, "err", err)
		} else {
			resp.Quarantined = json.RawMessage(payload)
		}
	}

	return c.JSON(http.StatusOK, resp)
}
