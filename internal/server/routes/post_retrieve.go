package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/retrieval"
)

// RetrieveHandler answers one natural-language query against a
// namespace's graph. Store trouble is reported as 503 so callers can
// tell a degraded service from a bad request.
func RetrieveHandler(c echo.Context) error {
	type retrieveBody struct {
		Query             string `json:"query" validate:"required"`
		CandidateCount    int    `json:"candidate_count" validate:"omitempty,gte=1,lte=500"`
		ResultCount       int    `json:"result_count" validate:"omitempty,gte=1,lte=100"`
		IncludeSuperseded bool   `json:"include_superseded"`
		AsOf              string `json:"as_of"`
	}

	type retrieveError struct {
		Message string `json:"message"`
	}

	namespace := strings.TrimSpace(c.Param("namespace"))
	if namespace == "" {
		return c.JSON(http.StatusBadRequest, retrieveError{Message: "Namespace is required"})
	}

	data := new(retrieveBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, retrieveError{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, retrieveError{Message: "Invalid request body"})
	}

	opts := retrieval.Options{
		CandidateCount:    data.CandidateCount,
		ResultCount:       data.ResultCount,
		IncludeSuperseded: data.IncludeSuperseded,
	}
	if data.AsOf != "" {
		asOf, err := dateparse.ParseAny(data.AsOf)
		if err != nil {
			return c.JSON(http.StatusBadRequest, retrieveError{Message: "Invalid as_of"})
		}
		opts.AsOf = &asOf
	}

	ctx := c.Request().Context()
	svc := c.(*middleware.AppContext).App.Retrieval

	res, err := svc.Retrieve(ctx, namespace, data.Query, opts)
	if err != nil {
		var embErr *errs.EmbeddingUnavailableError
		switch {
		case errors.Is(err, errs.ErrStoreUnavailable):
			logger.Error("Retrieval degraded", "namespace", namespace, "err", err)
			return c.JSON(http.StatusServiceUnavailable, retrieveError{Message: "Retrieval temporarily unavailable"})
		case errors.As(err, &embErr):
			logger.Error("Query embedding unavailable", "namespace", namespace, "err", err)
			return c.JSON(http.StatusServiceUnavailable, retrieveError{Message: "Embedding providers unavailable"})
		default:
			logger.Error("Retrieval failed", "namespace", namespace, "err", err)
			return c.JSON(http.StatusInternalServerError, retrieveError{Message: "Internal server error"})
		}
	}

	return c.JSON(http.StatusOK, res)
}
