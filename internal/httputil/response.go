package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, StatusFromCode(appErr.Code), ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Details: appErr.Details,
	})
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeMalformedHeader,
		apperrors.ErrCodeExpired,
		apperrors.ErrCodeInvalidSignature:
		return http.StatusUnauthorized

	// 404 Not Found
	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeUnknownKey:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeDuplicateKey:
		return http.StatusConflict

	// 502 Bad Gateway
	case apperrors.ErrCodeStoreTransient,
		apperrors.ErrCodeStoreValidation,
		apperrors.ErrCodeStoreUnauthorized:
		return http.StatusBadGateway

	// 503 Service Unavailable
	case apperrors.ErrCodeCapacityExceeded:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
