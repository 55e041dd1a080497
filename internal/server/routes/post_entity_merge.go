package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// MergeEntitiesHandler folds the source entity into the target. Facts
// are repointed, aliases move to the survivor, and the source becomes a
// tombstone redirect. Merging entities of different types or an already
// merged entity is rejected.
func MergeEntitiesHandler(c echo.Context) error {
	type mergeEntitiesBody struct {
		Namespace string `json:"namespace" validate:"required"`
		SourceID  string `json:"source_id" validate:"required"`
		TargetID  string `json:"target_id" validate:"required"`
	}

	type mergeEntitiesResponse struct {
		Message string         `json:"message"`
		Entity  *common.Entity `json:"entity,omitempty"`
	}

	data := new(mergeEntitiesBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, mergeEntitiesResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, mergeEntitiesResponse{Message: "Invalid request body"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	survivor, err := app.Resolver.MergeEntities(ctx, data.Namespace, data.SourceID, data.TargetID)
	if errors.Is(err, errs.ErrEntityNotFound) {
		return c.JSON(http.StatusNotFound, mergeEntitiesResponse{Message: "Entity not found"})
	}
	if errors.Is(err, errs.ErrMergeConflict) {
		return c.JSON(http.StatusConflict, mergeEntitiesResponse{Message: "Entities cannot be merged"})
	}
	if err != nil {
		logger.Error("Failed to merge entities",
			"namespace", data.Namespace, "source", data.SourceID, "target", data.TargetID, "err", err)
		return c.JSON(http.StatusInternalServerError, mergeEntitiesResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, mergeEntitiesResponse{
		Message: "Entities merged",
		Entity:  &survivor,
	})
}
