package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvstep/internal/model"
	"github.com/samcharles93/kvstep/internal/session"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, ErrorResponse{
		Error: APIError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeModelError maps session and model errors onto HTTP statuses.
func writeModelError(c *echo.Context, err error) error {
	var overflow *model.CacheOverflowError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "id", "")
	case errors.As(err, &overflow):
		return writeError(c, http.StatusConflict, "cache_overflow_error", err.Error(), "start_pos", "context_length_exceeded")
	case errors.Is(err, model.ErrUnsupportedInput), errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, session.ErrLimit):
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error(), "", "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
