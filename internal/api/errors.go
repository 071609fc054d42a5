package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/workbench/internal/snapshot"
	"github.com/opensandbox/workbench/internal/workspace"
	"github.com/opensandbox/workbench/pkg/types"
)

// statusFor maps a domain error to its HTTP status. Spawn failures and raw
// I/O errors fall through to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, snapshot.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, snapshot.ErrUnsupportedEntry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, types.Envelope{Success: false, Error: msg})
}

func failErr(c echo.Context, err error) error {
	return fail(c, statusFor(err), err.Error())
}

func badRequest(c echo.Context, msg string) error {
	return fail(c, http.StatusBadRequest, msg)
}
