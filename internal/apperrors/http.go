package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps a classified error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter extracts retry-after guidance from a rate-limited error, if any.
func RetryAfter(err error) (int, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && errors.Is(err, ErrRateLimited) && appErr.RetryAfter > 0 {
		secs := int(appErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return secs, true
	}
	return 0, false
}
