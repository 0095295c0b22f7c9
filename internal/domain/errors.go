package domain

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks input rejected before a task is created.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")

	ErrCollaboratorAuth      = errors.New("collaborator authentication failed")
	ErrCollaboratorRateLimit = errors.New("collaborator rate limit exceeded")
	ErrCollaboratorAPI       = errors.New("collaborator api error")

	// ErrShuttingDown is returned at a checkpoint once the shutdown signal is raised.
	ErrShuttingDown = errors.New("shutting down")
)

type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindAuth       ErrorKind = "collaborator_auth"
	ErrorKindRateLimit  ErrorKind = "collaborator_rate_limit"
	ErrorKindAPI        ErrorKind = "collaborator_api"
	ErrorKindShutdown   ErrorKind = "shutdown"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindUnexpected ErrorKind = "unexpected"
)

// KindOf classifies err for the task's terminal failure record.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrCollaboratorAuth):
		return ErrorKindAuth
	case errors.Is(err, ErrCollaboratorRateLimit):
		return ErrorKindRateLimit
	case errors.Is(err, ErrCollaboratorAPI):
		return ErrorKindAPI
	case errors.Is(err, ErrShuttingDown):
		return ErrorKindShutdown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCancelled
	default:
		return ErrorKindUnexpected
	}
}
