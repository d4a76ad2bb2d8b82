package app

import (
	"fmt"
	"net/http"
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

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func invalidState(message string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_STATE", message, nil)
}

func conflict(message string, details any) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, details)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func outOfOrder(message string) *DomainError {
	return domainError(http.StatusConflict, "OUT_OF_ORDER_OPERATION", message, nil)
}

func sessionClosed(message string) *DomainError {
	return domainError(http.StatusConflict, "SESSION_CLOSED", message, nil)
}

func permissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func diffFailed(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "DIFF_FAILED", message, nil)
}
