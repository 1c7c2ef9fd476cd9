package hifetch

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/auth"
	"github.com/abdm-hiu/abdm-core/internal/platform/httpx"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/health-records", auth.RequireRole("admin", "doctor"))
	g.POST("/fetch", h.Initiate)
	g.GET("/status/:requestId", h.GetStatus)
	g.GET("/status/:requestId/logs", h.Logs)
	g.POST("/status/:requestId/cancel", h.Cancel)
}

// RegisterWebhook mounts the gateway-facing callback; wh must already carry
// the webhook signature verifier.
func (h *Handler) RegisterWebhook(wh *echo.Group) {
	wh.POST("/health-records/callback", h.Callback)
}

type fetchDTO struct {
	ConsentRequestID string   `json:"consentRequestId" validate:"required,uuid4"`
	HITypes          []string `json:"hiTypes" validate:"required,min=1,dive,required"`
	DateRangeFrom    string   `json:"dateRangeFrom" validate:"required"`
	DateRangeTo      string   `json:"dateRangeTo" validate:"required"`
}

func (h *Handler) Initiate(c echo.Context) error {
	var dto fetchDTO
	if err := c.Bind(&dto); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&dto); err != nil {
		return err
	}
	consentID, err := uuid.Parse(dto.ConsentRequestID)
	if err != nil {
		return apperr.Validation("consentRequestId must be a UUID", "consentRequestId")
	}
	from, err := time.Parse(time.RFC3339, dto.DateRangeFrom)
	if err != nil {
		return apperr.Validation("dateRangeFrom must be RFC 3339", "dateRangeFrom")
	}
	to, err := time.Parse(time.RFC3339, dto.DateRangeTo)
	if err != nil {
		return apperr.Validation("dateRangeTo must be RFC 3339", "dateRangeTo")
	}

	f, err := h.svc.Initiate(c.Request().Context(), FetchInput{
		ConsentRequestID: consentID,
		HITypes:          dto.HITypes,
		DateRangeFrom:    from,
		DateRangeTo:      to,
		RequestedBy:      auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusCreated, f)
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apperr.Validation("invalid fetch request id", "requestId")
	}
	st, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, st)
}

func (h *Handler) Logs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apperr.Validation("invalid fetch request id", "requestId")
	}
	logs, err := h.svc.Logs(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, logs)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("requestId"))
	if err != nil {
		return apperr.Validation("invalid fetch request id", "requestId")
	}
	st, err := h.svc.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !auth.CanActFor(c.Request().Context(), st.Request.RequestedBy) {
		return apperr.New(apperr.KindUnauthorized, "only the requesting clinician or an admin may cancel this fetch")
	}
	f, err := h.svc.Cancel(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, f)
}

// Callback handles one page of the health-information stream. A full work
// queue surfaces as 503 with Retry-After so the gateway redelivers later.
func (h *Handler) Callback(c echo.Context) error {
	var cb Callback
	if err := c.Bind(&cb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed callback body")
	}
	if err := h.svc.IngestCallback(c.Request().Context(), cb); err != nil {
		if apperr.KindOf(err) == apperr.KindRateLimited {
			c.Response().Header().Set("Retry-After", "5")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "processing queue is full")
		}
		return err
	}
	return httpx.OK(c, http.StatusOK, map[string]string{"status": "acknowledged"})
}
