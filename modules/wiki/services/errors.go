package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("wiki node not found")
	ErrCycle         = errors.New("move would make the node its own ancestor")
	ErrNotEmpty      = errors.New("folder still has live children")
	ErrInvalidParent = errors.New("parent must be a live folder")
)

// ServiceError carries an HTTP-ish status and a stable code. Cause is one
// of the sentinels above when the failure is a domain rule.
type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

func notFound(what string) *ServiceError {
	return newServiceError(http.StatusNotFound, "WIKI_NOT_FOUND", what+" not found", ErrNotFound)
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return notFound("node")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		recordWriteConflict("serialization")
		return newServiceError(http.StatusConflict, "WIKI_CONFLICT", "concurrent modification, retry", err)
	case "23505":
		recordWriteConflict("unique")
		return newServiceError(http.StatusConflict, "WIKI_CONFLICT", "duplicate", err)
	case "23503":
		return newServiceError(http.StatusUnprocessableEntity, "WIKI_REFERENCE", "referenced node does not exist", err)
	default:
		return err
	}
}
