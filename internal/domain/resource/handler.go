package resource

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/clinstore/clinstore/internal/platform/fhir"
	"github.com/clinstore/clinstore/pkg/pagination"
)

// Handler serves the per-type REST surface: CRUD, search and history.
type Handler struct {
	registry *Registry
	searcher *Searcher
}

func NewHandler(registry *Registry, searcher *Searcher) *Handler {
	return &Handler{registry: registry, searcher: searcher}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.PATCH("/:type/:id", h.Patch)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.Version)
}

func (h *Handler) store(c echo.Context) (*Store, error) {
	return h.registry.Get(c.Param("type"))
}

func (h *Handler) Create(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	doc, err := readDocument(c, store.ResourceType())
	if err != nil {
		return writeError(c, err)
	}
	created, err := store.Create(c.Request().Context(), doc)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Location", fhir.Location(store.ResourceType(), fhir.ResourceID(created), 1))
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Read(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	doc, err := store.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) Update(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	doc, err := readDocument(c, store.ResourceType())
	if err != nil {
		return writeError(c, err)
	}
	updated, created, err := store.Update(c.Request().Context(), c.Param("id"), doc)
	if err != nil {
		return writeError(c, err)
	}
	if created {
		c.Response().Header().Set("Location",
			fhir.Location(store.ResourceType(), fhir.ResourceID(updated), fhir.VersionIDOf(updated)))
		return c.JSON(http.StatusCreated, updated)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Patch(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeError(c, fhir.NewValidationError("read patch body: %v", err))
	}
	ops, err := fhir.ParseJSONPatch(body)
	if err != nil {
		return writeError(c, err)
	}
	patched, err := store.Patch(c.Request().Context(), c.Param("id"), ops)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, patched)
}

func (h *Handler) Delete(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	pg := pagination.FromContext(c)
	result, err := h.searcher.Search(c.Request().Context(), store.ResourceType(), c.QueryParams(), pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}

	entries := make([]map[string]interface{}, 0, len(result.Resources))
	for _, doc := range result.Resources {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  store.ResourceType() + "/" + fhir.ResourceID(doc),
			"resource": doc,
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        result.Total,
		"link":         pg.FHIRLinks(c.Request().URL.Path, c.QueryParams(), result.Total),
		"entry":        entries,
	})
}

func (h *Handler) History(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	pg := pagination.FromContext(c)
	entries, total, err := store.History(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}

	bundleEntries := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		method := "PUT"
		if e.Action == ActionCreate {
			method = "POST"
		} else if e.Action == ActionDelete {
			method = "DELETE"
		}
		bundleEntries = append(bundleEntries, map[string]interface{}{
			"fullUrl":  fhir.Location(store.ResourceType(), e.ResourceID, e.VersionID),
			"resource": e.Document,
			"request":  map[string]interface{}{"method": method, "url": store.ResourceType() + "/" + e.ResourceID},
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        total,
		"entry":        bundleEntries,
	})
}

func (h *Handler) Version(c echo.Context) error {
	store, err := h.store(c)
	if err != nil {
		return writeError(c, err)
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return writeError(c, fhir.NewValidationError("invalid version id %q", c.Param("vid")))
	}
	doc, err := store.Version(c.Request().Context(), c.Param("id"), vid)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

// readDocument decodes a request body and checks its resourceType
// matches the URL.
func readDocument(c echo.Context, resourceType string) (fhir.Resource, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhir.NewValidationError("read body: %v", err)
	}
	var doc fhir.Resource
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fhir.NewValidationError("invalid JSON body: %v", err)
	}
	if rt := fhir.ResourceType(doc); rt != "" && rt != resourceType {
		return nil, fhir.NewValidationError("body resourceType %q does not match URL type %q", rt, resourceType)
	}
	return doc, nil
}

// writeError maps the error taxonomy onto HTTP statuses with an
// OperationOutcome body.
func writeError(c echo.Context, err error) error {
	var (
		verr *fhir.ValidationError
		nerr *fhir.NotFoundError
		cerr *fhir.VersionConflictError
		derr *fhir.DuplicateError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueTypeInvalid, err.Error()))
	case errors.As(err, &nerr):
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(fhir.IssueTypeNotFound, err.Error()))
	case errors.As(err, &cerr):
		return c.JSON(http.StatusConflict, fhir.ErrorOutcome(fhir.IssueTypeConflict, err.Error()))
	case errors.As(err, &derr):
		return c.JSON(http.StatusConflict, fhir.ErrorOutcome(fhir.IssueTypeDuplicate, err.Error()))
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(fhir.IssueTypeException, "internal error"))
	}
}
