package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyText       = errors.New("task text is empty")
	ErrMissingOwner    = errors.New("owner id is missing")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrInvalidDueDate  = errors.New("invalid due date")
	ErrInvalidIdentity = errors.New("identity has no id")
	ErrNotFound        = errors.New("task not found")
)

// ValidationError rejects an action before any remote call is made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthError is returned by every sign-in path. Code carries the identity
// service's reason (e.g. EMAIL_EXISTS, INVALID_PASSWORD, access_denied).
type AuthError struct {
	Op   string
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed create, update or delete.
type PersistenceError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("failed to %s task %s: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("failed to %s task: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
