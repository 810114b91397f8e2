package domain

import (
	"errors"
	"fmt"
)

// ErrDBUnavailable is returned by every store operation when no connection
// pool is configured. There is no in-memory fallback; the tool layer maps
// this onto ERR.DB_UNAVAILABLE.
var ErrDBUnavailable = errors.New("database not configured")

// NotFoundError reports a missing persistent entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// InvalidProjectIDError reports a project identifier that failed
// normalization.
type InvalidProjectIDError struct {
	Input  string
	Reason string
}

func (e *InvalidProjectIDError) Error() string {
	return e.Reason
}

// ValidationError reports a malformed tool request field. The tool layer
// returns it in-envelope as ERR.BAD_REQUEST.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
