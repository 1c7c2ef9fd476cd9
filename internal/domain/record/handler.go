package record

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
	read := api.Group("/health-records", auth.RequireRole("admin", "doctor"))
	read.GET("/patient/:patientId", h.ListByPatient)
	read.GET("/:recordId", h.GetRecord)
	read.GET("/:recordId/access-log", h.AccessLog)

	write := api.Group("/health-records", auth.RequireRole("admin"))
	write.DELETE("/:recordId", h.DeleteRecord)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return apperr.Validation("invalid patient id", "patientId")
	}

	var f Filters
	f.RecordType = c.QueryParam("recordType")
	f.Source = c.QueryParam("source")
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Validation("from must be RFC 3339", "from")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.Validation("to must be RFC 3339", "to")
		}
		f.To = &t
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.FindByPatient(c.Request().Context(), patientID, f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return apperr.Validation("invalid record id", "recordId")
	}
	hr, err := h.svc.Get(c.Request().Context(), id, AccessInfo{
		UserID:    auth.UserIDFromContext(c.Request().Context()),
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, hr)
}

func (h *Handler) AccessLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return apperr.Validation("invalid record id", "recordId")
	}
	entries, err := h.audits.AccessByRecord(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, entries)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("recordId"))
	if err != nil {
		return apperr.Validation("invalid record id", "recordId")
	}
	if err := h.svc.Delete(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context())); err != nil {
		return err
	}
	return httpx.OK(c, http.StatusOK, map[string]string{"status": "deleted"})
}
