package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"roamlist/api/internal/apperr"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var kindStatus = map[error]int{
	apperr.ErrNotFound:        http.StatusNotFound,
	apperr.ErrForbidden:       http.StatusForbidden,
	apperr.ErrConflict:        http.StatusConflict,
	apperr.ErrInvalidArgument: http.StatusBadRequest,
	apperr.ErrGone:            http.StatusGone,
	apperr.ErrTransient:       http.StatusServiceUnavailable,
	apperr.ErrUnauthenticated: http.StatusUnauthorized,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		fields := make(map[string]string, len(invalid))
		for _, fe := range invalid {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, "INVALID_ARGUMENT", "Validation failed", fields
	}
	if status, ok := kindStatus[apperr.KindOf(err)]; ok {
		return status, apperr.Code(err), apperr.Message(err), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
