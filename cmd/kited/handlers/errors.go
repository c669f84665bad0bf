package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`
}

func BadRequest(reason string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
		Message: ErrorMessage{Reason: reason},
	})
}

func Unauthorized(reason string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusUnauthorized, ErrorResponse{
		Message: ErrorMessage{Reason: reason},
	})
}

func NotFound() *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{
		Message: ErrorMessage{Reason: "not found"},
	})
}

func Conflict(reason string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusConflict, ErrorResponse{
		Message: ErrorMessage{Reason: reason},
	})
}

func InternalServerError(err error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{
		Message: ErrorMessage{Reason: "unexpected error", Advice: err.Error()},
	})
}
