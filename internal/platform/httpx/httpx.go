// Package httpx defines the API response envelope and the mapping from
// application error kinds to HTTP statuses.
package httpx

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
)

// Envelope is the uniform response body: success with data, or an error.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the machine-readable error code plus a human message.
type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// OK writes a success envelope.
func OK(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// statusFor maps an error kind to its transport status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindPermissionScope:
		return http.StatusUnprocessableEntity
	case apperr.KindGatewayProtocol:
		return http.StatusBadGateway
	case apperr.KindGatewayAuth, apperr.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler returns the echo error handler: apperr kinds get their
// mapped status, echo.HTTPError passes through, everything else is a 500
// with the detail kept server-side.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorBody{Code: string(apperr.KindInternal), Message: "internal server error"}

		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			body.Code = http.StatusText(status)
			if msg, ok := he.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(status)
			}
		} else if kind := apperr.KindOf(err); kind != apperr.KindInternal {
			status = statusFor(kind)
			body.Code = string(kind)
			body.Message = apperr.Message(err)
			body.Fields = apperr.FieldsOf(err)
		}

		if status >= http.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, Envelope{Success: false, Error: &body})
	}
}
