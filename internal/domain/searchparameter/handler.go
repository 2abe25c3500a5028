package searchparameter

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinstore/clinstore/pkg/pagination"
)

// Handler exposes the search parameter registry for administration.
// The search compiler reads the same table through the repository.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/search-parameters", h.List)
	api.GET("/search-parameters/:resourceType", h.ListByResourceType)
	api.POST("/search-parameters", h.Upsert)
	api.DELETE("/search-parameters/:id", h.Delete)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	defs, total, err := h.repo.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(defs, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByResourceType(c echo.Context) error {
	defs, err := h.repo.ListByResourceType(c.Request().Context(), c.Param("resourceType"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, defs)
}

func (h *Handler) Upsert(c echo.Context) error {
	var d Definition
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if d.ResourceType == "" || d.Name == "" || d.Expression == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_type, name and expression are required")
	}
	if err := h.repo.Upsert(c.Request().Context(), &d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.repo.Delete(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
