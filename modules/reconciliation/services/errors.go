package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

var (
	ErrResolverUnavailable = errors.New("identity resolver unavailable")
	ErrOpenEntryExists     = errors.New("open reconciliation entry already exists")
	ErrEntryNotFound       = errors.New("reconciliation entry not found")
	ErrEntryClosed         = errors.New("reconciliation entry already resolved")
	ErrUnknownKind         = errors.New("unknown entity kind")
	ErrNotReferenced       = errors.New("department id is not referenced by the entity")
)

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

// PerEntityProcessingError is a failure confined to one entity during a run.
// It is logged and counted, never returned from a run.
type PerEntityProcessingError struct {
	Kind     permref.EntityKind
	EntityID uuid.UUID
	Stage    string
	Cause    error
}

func (e *PerEntityProcessingError) Error() string {
	return fmt.Sprintf("reconcile %s %s (%s): %v", e.Kind, e.EntityID, e.Stage, e.Cause)
}

func (e *PerEntityProcessingError) Unwrap() error { return e.Cause }

func unknownKind(kind permref.EntityKind) *ServiceError {
	return newServiceError(http.StatusBadRequest, "RECONCILIATION_UNKNOWN_KIND", fmt.Sprintf("unknown entity kind %q", kind), ErrUnknownKind)
}
