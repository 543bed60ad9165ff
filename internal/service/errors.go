// Package service provides business logic services for Alexander Drive.
package service

import (
	"context"
	"errors"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// Common service errors.
var (
	// Upload errors
	ErrEmptyBody            = errors.New("upload body is required")
	ErrDeclaredSizeMismatch = errors.New("content length differs from declared size")

	// Read errors
	ErrContentMissing = errors.New("file content is missing from the blob store")
)

// isCanceled reports whether the operation was canceled or timed out.
func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// stageError converts a failure inside a unit of work into an EngineError of
// the given kind. Conflicts are returned unchanged so the unit can be retried.
func stageError(ctx context.Context, kind error, op, resource string, err error) error {
	var engineErr *domain.EngineError
	switch {
	case errors.As(err, &engineErr):
		return err
	case repository.IsConflict(err):
		return err
	case isCanceled(ctx, err):
		return domain.NewEngineError(domain.ErrOperationCanceled, op, resource, err)
	default:
		return domain.NewEngineError(kind, op, resource, err)
	}
}

// finalError converts whatever ended an operation into an EngineError.
// Conflicts left after the retry budget become index contention.
func finalError(ctx context.Context, op, resource string, err error) error {
	var engineErr *domain.EngineError
	switch {
	case errors.As(err, &engineErr):
		return err
	case repository.IsConflict(err):
		return domain.NewEngineError(domain.ErrIndexContention, op, resource, err)
	case isCanceled(ctx, err):
		return domain.NewEngineError(domain.ErrOperationCanceled, op, resource, err)
	default:
		return domain.NewEngineError(domain.ErrRecordPersistFailure, op, resource, err)
	}
}
