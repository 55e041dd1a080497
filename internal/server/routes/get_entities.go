package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const entityFactsLimit = 100

// GetEntityHandler fetches one canonical entity with its aliases and
// facts. Requests for a merged-away entity follow the tombstone chain
// and answer with the survivor, so stored references never go stale.
func GetEntityHandler(c echo.Context) error {
	type getEntityResponse struct {
		Message string         `json:"message,omitempty"`
		Entity  *common.Entity `json:"entity,omitempty"`
		Facts   []common.Fact  `json:"facts,omitempty"`
	}

	namespace := strings.TrimSpace(c.QueryParam("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, getEntityResponse{Message: "Namespace is required"})
	}
	id := c.Param("id")

	includeInvalidated := c.QueryParam("include_invalidated") == "true"

	ctx := c.Request().Context()
	st := c.(*middleware.AppContext).App.Store

	entity, err := st.GetEntity(ctx, namespace, id)
	if errors.Is(err, errs.ErrEntityNotFound) {
		return c.JSON(http.StatusNotFound, getEntityResponse{Message: "Entity not found"})
	}
	if err != nil {
		logger.Error("Failed to get entity", "namespace", namespace, "id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntityResponse{Message: "Internal server error"})
	}

	facts, err := st.EntityFacts(ctx, namespace, entity.ID, includeInvalidated, entityFactsLimit)
	if err != nil {
		logger.Error("Failed to list entity facts", "namespace", namespace, "id", entity.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, getEntityResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, getEntityResponse{
		Entity: &entity,
		Facts:  facts,
	})
}
