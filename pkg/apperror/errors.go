package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Webhook Registration & Dispatch (WH) ----

func ErrInvalidWebhookURL(url string) *AppError {
	return New("WH_001", fmt.Sprintf("Invalid webhook URL: %q must be an absolute http(s) URL", url), http.StatusBadRequest)
}

func ErrMissingField(field string) *AppError {
	return New("WH_002", fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

func ErrInvalidEventName(name string) *AppError {
	return New("WH_003", fmt.Sprintf("Invalid event name: %q (expected dot-separated identifiers, e.g. service.started)", name), http.StatusBadRequest)
}

func ErrWebhookNotFound() *AppError {
	return New("WH_004", "Webhook not found", http.StatusNotFound)
}

func ErrWebhookDisabled() *AppError {
	return New("WH_006", "Webhook is disabled", http.StatusConflict)
}

// ErrPayloadEncoding covers unserializable event payloads, the only
// synchronous failure mode of Publish.
func ErrPayloadEncoding(err error) *AppError {
	return Wrap("WH_005", "Event payload is not serializable", http.StatusBadRequest, err)
}

// ---- System & Infrastructure (SYS) ----

func ErrStoreError(err error) *AppError {
	return Wrap("SYS_001", "Internal record store error", http.StatusInternalServerError, err)
}

func ErrEncryptionFailure(err error) *AppError {
	return Wrap("SYS_002", "Secret encryption failure", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
