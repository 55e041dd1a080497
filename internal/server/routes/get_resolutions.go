package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// GetResolutionsHandler pages through the resolver's decision log,
// newest first. Filtering by kind=near_miss is the feed threshold
// tuning works from.
func GetResolutionsHandler(c echo.Context) error {
	type getResolutionsResponse struct {
		Message   string                      `json:"message,omitempty"`
		Decisions []common.ResolutionDecision `json:"decisions"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, getResolutionsResponse{Message: "Namespace is required"})
	}

	kind := c.QueryParam("kind")
	switch common.DecisionKind(kind) {
	case "", common.DecisionNewEntity, common.DecisionAliasMatch, common.DecisionAutoMerge,
		common.DecisionNearMiss, common.DecisionManual:
	default:
		return c.JSON(http.StatusBadRequest, getResolutionsResponse{Message: "Unknown decision kind"})
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx := c.Request().Context()
	st := c.(*middleware.AppContext).App.Store

	decisions, err := st.ListResolutionDecisions(ctx, namespace, kind, limit, offset)
	if err != nil {
		logger.Error("Failed to list resolution decisions", "namespace", namespace, "err", err)
		return c.JSON(http.StatusInternalServerError, getResolutionsResponse{Message: "Internal server error"})
	}
	if decisions == nil {
		decisions = []common.ResolutionDecision{}
	}

	return c.JSON(http.StatusOK, getResolutionsResponse{Decisions: decisions})
}
