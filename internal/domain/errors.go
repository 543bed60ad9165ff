// Package domain contains the core business entities for Alexander Drive.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations and the failure
// kinds the storage engine reports to its callers.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// Engine Failure Kinds
	// ===========================================

	// ErrHashingFailure indicates the upload stream could not be read or
	// did not match its declared size. Nothing is rolled back.
	ErrHashingFailure = errors.New("hashing failure")

	// ErrIndexContention indicates the per-digest lock or the index
	// transaction stayed contended after bounded retries.
	ErrIndexContention = errors.New("index contention")

	// ErrBlobWriteFailure indicates the physical blob write failed.
	ErrBlobWriteFailure = errors.New("blob write failure")

	// ErrQuotaExceeded indicates the upload would push usage above the quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrRecordPersistFailure indicates the file record or ledger update
	// could not be persisted.
	ErrRecordPersistFailure = errors.New("record persist failure")

	// ErrReferenceUnderflow indicates a release was attempted on a blob whose
	// reference count is already zero. This is a bookkeeping bug.
	ErrReferenceUnderflow = errors.New("reference count underflow")

	// ErrFileNotFound indicates the file does not exist, is deleted, or
	// belongs to another owner.
	ErrFileNotFound = errors.New("file not found")

	// ErrOperationCanceled indicates the caller canceled the operation or
	// its deadline expired before commit.
	ErrOperationCanceled = errors.New("operation canceled")

	// ===========================================
	// Blob Errors
	// ===========================================

	// ErrBlobNotFound indicates the requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrDigestSizeMismatch indicates an existing blob has the same digest
	// but a different size than the upload.
	ErrDigestSizeMismatch = errors.New("digest size mismatch")

	// ===========================================
	// Account Errors
	// ===========================================

	// ErrAccountNotFound indicates the owner has no storage account yet.
	ErrAccountNotFound = errors.New("storage account not found")

	// ErrInvalidQuota indicates a negative quota.
	ErrInvalidQuota = errors.New("quota must not be negative")
)

// retryableKinds lists the failure kinds a caller may resubmit unchanged.
var retryableKinds = []error{
	ErrIndexContention,
	ErrBlobWriteFailure,
	ErrRecordPersistFailure,
	ErrOperationCanceled,
}

// EngineError is the typed error returned by the upload and delete
// coordinator. Kind is one of the failure kind sentinels above.
type EngineError struct {
	Kind     error
	Op       string
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Resource != "" {
		msg += " (" + e.Resource + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *EngineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether resubmitting the same request may succeed.
func (e *EngineError) Retryable() bool {
	for _, kind := range retryableKinds {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// NewEngineError creates a new EngineError.
func NewEngineError(kind error, op, resource string, err error) *EngineError {
	return &EngineError{
		Kind:     kind,
		Op:       op,
		Resource: resource,
		Err:      err,
	}
}

// KindOf returns the failure kind of err, or nil when err is not an EngineError.
func KindOf(err error) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return nil
}

// IsRetryable reports whether err is an EngineError of a retryable kind.
func IsRetryable(err error) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Retryable()
	}
	return false
}

// kindNames maps failure kinds to stable identifiers for logs and metrics.
var kindNames = map[error]string{
	ErrHashingFailure:       "hashing_failure",
	ErrIndexContention:      "index_contention",
	ErrBlobWriteFailure:     "blob_write_failure",
	ErrQuotaExceeded:        "quota_exceeded",
	ErrRecordPersistFailure: "record_persist_failure",
	ErrReferenceUnderflow:   "reference_underflow",
	ErrFileNotFound:         "file_not_found",
	ErrOperationCanceled:    "canceled",
}

// KindName returns "ok" for nil, the identifier of err's failure kind, or
// "unknown" when err carries no kind.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	if name, ok := kindNames[KindOf(err)]; ok {
		return name
	}
	return "unknown"
}

// DomainError wraps a domain error with additional context.
type DomainError struct {
	Err      error
	Message  string
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError.
func NewDomainError(err error, message string, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}
