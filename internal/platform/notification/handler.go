package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
)

// Handler exposes the pager's recent history so charge nurses can see which
// pages went out and retry the ones the gateway rejected.
type Handler struct {
	pager *Pager
}

func NewHandler(pager *Pager) *Handler {
	return &Handler{pager: pager}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/pages", auth.RequireRole(auth.RoleChargeNurse))
	g.GET("", h.ListPages)
	g.GET("/stats", h.PageStats)
	g.POST("/:id/retry", h.RetryPage)
}

func (h *Handler) ListPages(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n < historyLimit {
			limit = n
		} else {
			limit = historyLimit
		}
	}
	return c.JSON(http.StatusOK, h.pager.Recent(limit))
}

func (h *Handler) PageStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.pager.Stats())
}

func (h *Handler) RetryPage(c echo.Context) error {
	err := h.pager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, ErrPageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPageNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
