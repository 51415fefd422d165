package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"grimoire/collab/internal/access"
	"grimoire/collab/internal/collab"
	"grimoire/collab/internal/history"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, history.ErrSnapshotNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil
	}
	if errors.Is(err, collab.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, access.ErrAccessCycle) {
		return http.StatusConflict, "ACCESS_CYCLE", "Collection tree contains a cycle", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
