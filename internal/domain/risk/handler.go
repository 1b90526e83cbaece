package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lummia/lummia/internal/platform/auth"
	"github.com/lummia/lummia/internal/platform/registry"
	"github.com/lummia/lummia/pkg/pagination"
)

// CompanyLookup resolves a CNPJ to its registered activity codes.
type CompanyLookup interface {
	LookupCNPJ(ctx context.Context, cnpj string) (*registry.Result, error)
}

// Handler serves the classification and reference HTTP API.
type Handler struct {
	svc    *Service
	lookup CompanyLookup
}

// NewHandler creates a handler. lookup may be nil, which disables CNPJ lookups.
func NewHandler(svc *Service, lookup CompanyLookup) *Handler {
	return &Handler{svc: svc, lookup: lookup}
}

// RegisterRoutes mounts the public classifier API. gate guards the
// endpoints that cost a classification or an upstream call.
func (h *Handler) RegisterRoutes(api *echo.Group, gate echo.MiddlewareFunc) {
	g := api.Group("/risk")
	g.POST("/classify", h.Classify, gate)
	g.POST("/resolve", h.Resolve, gate)
	g.GET("/cnpj/:cnpj", h.LookupCNPJ, gate)
	g.POST("/environmental", h.ClassifyEnvironmental)
	g.GET("/search", h.Search)
}

// RegisterReferenceRoutes mounts the read-only reference administration API.
// Callers must already be authenticated.
func (h *Handler) RegisterReferenceRoutes(api *echo.Group) {
	g := api.Group("/reference", auth.RequireRole("admin", "analyst"))
	g.GET("/cnaes", h.ListCodes)
	g.GET("/cnaes/:code", h.GetCode)
	g.GET("/questions/:number", h.GetQuestion)
	g.GET("/integrity", h.Integrity)
}

// Classify handles POST /api/v1/risk/classify.
func (h *Handler) Classify(c echo.Context) error {
	var req ClassifyRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	resp, err := h.svc.Classify(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Resolve handles POST /api/v1/risk/resolve with the answers of a first pass.
func (h *Handler) Resolve(c echo.Context) error {
	var req ClassifyRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	resp, err := h.svc.Resolve(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ClassifyEnvironmental handles POST /api/v1/risk/environmental.
func (h *Handler) ClassifyEnvironmental(c echo.Context) error {
	var req EnvironmentalRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	resp, err := h.svc.ClassifyEnvironmental(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Search handles GET /api/v1/risk/search?termo=...
func (h *Handler) Search(c echo.Context) error {
	results, err := h.svc.Search(c.Request().Context(), c.QueryParam("termo"), maxSearchResults)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// LookupCNPJ handles GET /api/v1/risk/cnpj/:cnpj.
func (h *Handler) LookupCNPJ(c echo.Context) error {
	if h.lookup == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "registry lookup is not configured")
	}
	res, err := h.lookup.LookupCNPJ(c.Request().Context(), c.Param("cnpj"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListCodes handles GET /api/v1/reference/cnaes?tier=...&limit=...&offset=...
func (h *Handler) ListCodes(c echo.Context) error {
	p := pagination.FromContext(c)
	codes, total, err := h.svc.List(c.Request().Context(), c.QueryParam("tier"), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if codes == nil {
		codes = []*CodeEntry{}
	}
	resp := pagination.NewResponse(codes, total, p.Limit, p.Offset).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

// GetCode handles GET /api/v1/reference/cnaes/:code.
func (h *Handler) GetCode(c echo.Context) error {
	detail, err := h.svc.Detail(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

// GetQuestion handles GET /api/v1/reference/questions/:number.
func (h *Handler) GetQuestion(c echo.Context) error {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid question number")
	}
	q, err := h.svc.Question(c.Request().Context(), number)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, q)
}

// Integrity handles GET /api/v1/reference/integrity.
func (h *Handler) Integrity(c echo.Context) error {
	report, err := h.svc.Integrity(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"healthy": report.Healthy(),
		"report":  report,
	})
}

func (h *Handler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

// httpError maps service and collaborator errors to HTTP errors. Unexpected
// errors are logged by the error handler and hidden from the client.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, registry.ErrInvalidCNPJ):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrUpstream):
		return echo.NewHTTPError(http.StatusBadGateway, "registry lookup failed").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
