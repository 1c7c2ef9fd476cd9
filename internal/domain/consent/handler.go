package consent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/auth"
	"github.com/abdm-hiu/abdm-core/internal/platform/httpx"
	"github.com/abdm-hiu/abdm-core/pkg/pagination"
)

type Handler struct {
	svc    *Service
	audits *audit.Service
}

func NewHandler(svc *Service, audits *audit.Service) *Handler {
	return &Handler{svc: svc, audits: audits}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consent", auth.RequireRole("admin", "doctor"))
	g.POST("/request", h.RequestConsent)
	g.GET("/:id/status", h.GetStatus)
	g.GET("/active", h.ListActive)
	g.POST("/:id/revoke", h.Revoke)
	g.POST("/:id/retry", h.Retry)
	g.GET("/:id/audit", h.AuditTrail)
}

// RegisterWebhook mounts the gateway-facing callback; wh must already carry
// the webhook signature verifier.
func (h *Handler) RegisterWebhook(wh *echo.Group) {
	wh.POST("/consent/callback", h.Callback)
}

type requestConsentDTO struct {
	PatientID     string   `json:"patientId" validate:"required,uuid4"`
	PatientAbhaID string   `json:"patientAbhaId" validate:"required"`
	PurposeCode   string   `json:"purposeCode" validate:"required"`
	PurposeText   string   `json:"purposeText"`
	HITypes       []string `json:"hiTypes" validate:"required,min=1,dive,required"`
	DateRangeFrom string   `json:"dateRangeFrom" validate:"required"`
	DateRangeTo   string   `json:"dateRangeTo" validate:"required"`
	ExpiresAt     string   `json:"expiresAt" validate:"required"`
	HIPs          []string `json:"hips"`
}

func (h *Handler) RequestConsent(c echo.Context) error {
	var dto requestConsentDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&dto); err != nil {
		return err
	}

	patientID, err := uuid.Parse(dto.PatientID)
	if err != nil {
		return apperr.Validation("patientId must be a UUID", "patientId")
	}
	from, err := time.Parse(time.RFC3339, dto.DateRangeFrom)
	if err != nil {
		return apperr.Validation("dateRangeFrom must be RFC 3339", "dateRangeFrom")
	}
	to, err := time.Parse(time.RFC3339, dto.DateRangeTo)
	if err != nil {
		return apperr.Validation("dateRangeTo must be RFC 3339", "dateRangeTo")
	}
	expiresAt, err := time.Parse(time.RFC3339, dto.ExpiresAt)
	if err != nil {
		return apperr.Validation("expiresAt must be RFC 3339", "expiresAt")
	}

	cr, err := h.svc.Request(c.Request().Context(), CreateInput{
		PatientID:     patientID,
		PatientAbhaID: dto.PatientAbhaID,
		RequesterID:   auth.UserIDFromContext(c.Request().Context()),
		PurposeCode:   dto.PurposeCode,
		PurposeText:   dto.PurposeText,
		HITypes:       dto.HITypes,
		DateRangeFrom: from,
		DateRangeTo:   to,
		ExpiresAt:     expiresAt,
		HIPs:          dto.HIPs,
	})
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusCreated, cr)
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid consent request id", "id")
	}
	st, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, st)
}

func (h *Handler) ListActive(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patientId"))
	if err != nil {
		return apperr.Validation("patientId query parameter must be a UUID", "patientId")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActive(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type revokeDTO struct {
	Reason string `json:"reason" validate:"required,min=10,max=500"`
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid consent request id", "id")
	}
	var dto revokeDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&dto); err != nil {
		return err
	}
	if err := h.checkOwnership(c, id); err != nil {
		return err
	}
	cr, err := h.svc.Revoke(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), dto.Reason)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, cr)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid consent request id", "id")
	}
	if err := h.checkOwnership(c, id); err != nil {
		return err
	}
	cr, err := h.svc.Retry(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, cr)
}

// checkOwnership restricts mutating actions to the requesting clinician
// or an admin.
func (h *Handler) checkOwnership(c echo.Context, id uuid.UUID) error {
	cr, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !auth.CanActFor(c.Request().Context(), cr.RequesterID) {
		return apperr.New(apperr.KindUnauthorized, "only the requesting clinician or an admin may act on this consent")
	}
	return nil
}

func (h *Handler) AuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid consent request id", "id")
	}
	if _, err := h.svc.Get(c.Request().Context(), id); err != nil {
		return err
	}
	events, err := h.audits.QueryByConsent(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, events)
}

// Callback handles gateway consent notifications. Orphans and duplicates
// return 200 so the gateway stops redelivering.
func (h *Handler) Callback(c echo.Context) error {
	var cb Callback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed callback body")
	}
	if err := h.svc.IngestCallback(c.Request().Context(), cb); err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, map[string]string{"status": "acknowledged"})
}
