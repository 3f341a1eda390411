package api

import (
	"errors"
	"net/http"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, models.ErrTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrResource), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage hides internal failures from clients.
func errorMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "Internal server error"
	}
	if status == http.StatusRequestEntityTooLarge {
		return models.ErrTooLarge.Error()
	}
	return err.Error()
}
