package errors

import (
	"errors"
	"fmt"
	"net/http"

	"couchsync/internal/core/domain"
)

// ErrorCode identifies an application error on the wire: signaling error
// payloads and the HTTP surface both carry it.
type ErrorCode string

const (
	ErrCodeRoomNotFound ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomFull     ErrorCode = "ROOM_FULL"
	ErrCodeMalformed    ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
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

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// FromDomain maps directory errors onto wire codes. Unrecognized errors
// become INTERNAL_ERROR without leaking their text to peers.
func FromDomain(err error) *AppError {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return &AppError{Code: ErrCodeRoomNotFound, Message: "room not found", HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrRoomFull):
		return &AppError{Code: ErrCodeRoomFull, Message: "room is full", HTTPStatus: http.StatusConflict, Cause: err}
	case errors.Is(err, domain.ErrMalformedMessage):
		return &AppError{Code: ErrCodeMalformed, Message: "malformed message", HTTPStatus: http.StatusBadRequest, Cause: err}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, Cause: err}
	}
}

func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
