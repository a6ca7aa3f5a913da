package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/coordinator"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

// StatusOf maps an engine error onto an HTTP status code.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, autonomy.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionAlreadyActive),
		errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, autonomy.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	switch fault.ClassOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.PolicyBlocked:
		return http.StatusConflict
	case fault.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders engine errors as ErrorResponse and leaves echo's
// own errors to fallback.
func errorHandler(fallback echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) || c.Response().Committed {
			fallback(err, c)
			return
		}
		resp := ErrorResponse{Error: err.Error(), Class: string(fault.ClassOf(err))}
		if jerr := c.JSON(StatusOf(err), resp); jerr != nil {
			c.Logger().Error(jerr)
		}
	}
}
