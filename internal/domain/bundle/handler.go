package bundle

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/clinstore/clinstore/internal/platform/fhir"
	"github.com/clinstore/clinstore/pkg/pagination"
)

// Handler serves the bundle endpoint at the service root and the audit
// log listing.
type Handler struct {
	orchestrator *Orchestrator
	logs         *LogRepo
}

func NewHandler(orchestrator *Orchestrator, logs *LogRepo) *Handler {
	return &Handler{orchestrator: orchestrator, logs: logs}
}

func (h *Handler) RegisterRoutes(fhirGroup, api *echo.Group) {
	fhirGroup.POST("", h.Submit)
	fhirGroup.POST("/", h.Submit)
	api.GET("/bundle-log", h.ListLog)
}

// Submit processes a transaction or batch bundle posted to the root.
func (h *Handler) Submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			fhir.ErrorOutcome(fhir.IssueTypeInvalid, "read body: "+err.Error()))
	}

	out, err := h.orchestrator.Process(c.Request().Context(), body, submitter(c))
	if err != nil {
		return writeBundleError(c, err)
	}
	return c.JSONBlob(http.StatusOK, out)
}

func (h *Handler) ListLog(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.logs.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

// submitter pulls an identity out of a bearer token for the audit log.
// The claims are read without verification: authenticating callers is
// the gateway's job, attribution is ours.
func submitter(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	token, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(auth, "Bearer "), jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"email", "preferred_username", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// writeBundleError maps a processing failure onto an HTTP response with
// an OperationOutcome, preserving the failing entry index when known.
func writeBundleError(c echo.Context, err error) error {
	var entryErr *EntryError
	diagnostics := err.Error()
	if errors.As(err, &entryErr) {
		log.Warn().Int("entry", entryErr.Index).Err(entryErr.Err).Msg("bundle transaction rolled back")
	}
	return c.JSON(httpStatus(err), fhir.ErrorOutcome(issueCode(err), diagnostics))
}

func httpStatus(err error) int {
	var (
		verr *fhir.ValidationError
		nerr *fhir.NotFoundError
		cerr *fhir.VersionConflictError
		derr *fhir.DuplicateError
		rerr *fhir.ReferenceError
		uerr *fhir.UnsupportedOperationError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &rerr):
		return http.StatusBadRequest
	case errors.As(err, &uerr):
		return http.StatusNotImplemented
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &cerr), errors.As(err, &derr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// statusLine renders the status text used inside batch entry responses.
func statusLine(err error) string {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return "400 Bad Request"
	case http.StatusNotFound:
		return "404 Not Found"
	case http.StatusConflict:
		return "409 Conflict"
	case http.StatusNotImplemented:
		return "501 Not Implemented"
	default:
		return "500 Internal Server Error"
	}
}

func issueCode(err error) string {
	var (
		nerr *fhir.NotFoundError
		cerr *fhir.VersionConflictError
		derr *fhir.DuplicateError
		uerr *fhir.UnsupportedOperationError
	)
	switch {
	case errors.As(err, &nerr):
		return fhir.IssueTypeNotFound
	case errors.As(err, &cerr):
		return fhir.IssueTypeConflict
	case errors.As(err, &derr):
		return fhir.IssueTypeDuplicate
	case errors.As(err, &uerr):
		return fhir.IssueTypeNotSupported
	case httpStatus(err) == http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	default:
		return fhir.IssueTypeException
	}
}
