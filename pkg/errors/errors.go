package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"callcore/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeDeviceAcquisition  ErrorCode = "DEVICE_ACQUISITION"
	ErrCodeSignaling          ErrorCode = "SIGNALING"
	ErrCodeEncryption         ErrorCode = "ENCRYPTION"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// FromDomain maps a call-engine error onto an AppError so that HTTP handlers
// and the relay can report it with a stable code.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var (
		devErr *domain.DeviceAcquisitionError
		sigErr *domain.SignalingError
		encErr *domain.EncryptionError
	)
	switch {
	case stderrors.As(err, &devErr):
		status := http.StatusServiceUnavailable
		if devErr.Reason == domain.DevicePermissionDenied {
			status = http.StatusForbidden
		}
		return WrapError(err, ErrCodeDeviceAcquisition, "media device could not be acquired", status).
			WithContext("kind", string(devErr.Kind)).
			WithContext("reason", string(devErr.Reason))
	case stderrors.As(err, &sigErr):
		return WrapError(err, ErrCodeSignaling, "call negotiation failed", http.StatusBadGateway).
			WithContext("op", sigErr.Op)
	case stderrors.As(err, &encErr):
		return WrapError(err, ErrCodeEncryption, "end-to-end encryption could not be established", http.StatusUnprocessableEntity).
			WithContext("op", encErr.Op)
	case stderrors.Is(err, domain.ErrRoomNotFound):
		return WrapError(err, ErrCodeNotFound, "room not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return WrapError(err, ErrCodeNotFound, "peer not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrStreamNotFound), stderrors.Is(err, domain.ErrTrackNotFound):
		return WrapError(err, ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidPhase), stderrors.Is(err, domain.ErrSessionClosed):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
