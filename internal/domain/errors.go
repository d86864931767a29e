// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation")

// ErrBusy indicates an operation could not proceed because the target
// already has an in-flight turn.
var ErrBusy = errors.New("session has an in-flight turn")
