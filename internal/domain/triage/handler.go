package triage

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
	"github.com/amirtishiva/care-flow-navigator-sub000/pkg/pagination"
)

type Handler struct {
	svc    *Service
	roster Roster
}

func NewHandler(svc *Service, roster Roster) *Handler {
	return &Handler{svc: svc, roster: roster}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	read.GET("/triage-cases/:id", h.GetCase)
	read.GET("/triage-cases/:id/assignments", h.ListAssignments)
	read.GET("/triage-cases/:id/escalations", h.ListEscalations)
	read.GET("/triage-cases/:id/audit", h.ListAuditLogs)
	read.GET("/track-board", h.TrackBoard)
	read.GET("/overdue", h.OverdueBoard)
	read.GET("/responders", h.ListResponders)

	nurse := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurse.POST("/triage-cases", h.CreateCase)
	nurse.POST("/triage-cases/:id/ai-draft", h.RecordAIDraft)
	nurse.POST("/triage-cases/:id/validate", h.ValidateTriage)

	responders := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleSeniorPhysician, auth.RoleChargeNurse))
	responders.POST("/triage-cases/:id/acknowledge", h.AcknowledgeCase)
	responders.POST("/triage-cases/:id/discharge", h.Discharge)

	treating := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleSeniorPhysician))
	treating.POST("/triage-cases/:id/start-treatment", h.StartTreatment)

	charge := api.Group("", auth.RequireRole(auth.RoleChargeNurse))
	charge.PUT("/responders/:id/availability", h.SetAvailability)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/escalations/sweep", h.Sweep)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrResponderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrOverrideIncomplete), errors.Is(err, ErrInvalidESI),
		errors.Is(err, ErrInvalidRationale), errors.Is(err, ErrInvalidAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoDraft), errors.Is(err, ErrAlreadyValidated), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAssignmentNotPending), errors.Is(err, ErrAssignmentConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)).SetInternal(err)
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req CreateCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tc, err := h.svc.CreateCase(c.Request().Context(), req, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tc)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (h *Handler) RecordAIDraft(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req AIDraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tc, err := h.svc.RecordAIDraft(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (h *Handler) ValidateTriage(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ValidateTriage(c.Request().Context(), id, req, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type acknowledgeRequest struct {
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
}

func (h *Handler) AcknowledgeCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.AcknowledgeCase(c.Request().Context(), id, req.AssignmentID, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) StartTreatment(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.StartTreatment(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	tc, err := h.svc.Discharge(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ListAssignments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handler) ListEscalations(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ListEscalations(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handler) ListAuditLogs(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ListAuditLogs(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handler) TrackBoard(c echo.Context) error {
	pg := pagination.FromContext(c)
	cases, total, err := h.svc.TrackBoard(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(cases, total, pg.Limit, pg.Offset))
}

func (h *Handler) OverdueBoard(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.OverdueBoard(c.Request().Context(), pg.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.svc.SweepEscalations(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListResponders(c echo.Context) error {
	if h.roster == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "responder roster not configured")
	}
	out, err := h.roster.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out})
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	if h.roster == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "responder roster not configured")
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Available == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available is required")
	}
	r, err := h.roster.SetAvailability(c.Request().Context(), c.Param("id"), *req.Available)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}
