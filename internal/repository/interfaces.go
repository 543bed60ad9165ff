// Package repository defines data access interfaces for Alexander Drive.
// These interfaces abstract database operations, allowing for different implementations
// (PostgreSQL, SQLite) while keeping the service layer clean.
//
// Every method participates in the transaction carried by ctx when it was
// called inside TxManager.WithTx.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drive/internal/domain"
)

// =============================================================================
// Blob Repository (Deduplication Index)
// =============================================================================

// BlobRepository is the authoritative, transactional map from content
// digest to blob metadata and reference count.
type BlobRepository interface {
	// LookupOrCreate atomically increments the reference count of the blob
	// with the given digest, inserting it with a count of one if absent.
	// created is true when no live reference existed before the call, in
	// which case the caller is responsible for the physical write.
	// Returns domain.ErrDigestSizeMismatch if the digest is indexed with a
	// different size.
	LookupOrCreate(ctx context.Context, contentHash string, size int64, storagePath string) (blob *domain.Blob, created bool, err error)

	// Release atomically decrements the reference count.
	// When the count reaches zero the blob is marked pending removal and
	// the result reports Deleted with FreedBytes equal to the blob size.
	// Returns domain.ErrReferenceUnderflow if the count is already zero or
	// the blob is not indexed. The count is never clamped.
	Release(ctx context.Context, contentHash string) (*ReleaseResult, error)

	// GetByHash retrieves a blob by its content digest.
	GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error)

	// LockDigest holds the digest exclusively until the transaction in ctx
	// ends, whether or not a row exists for it. Uploads, deletes and byte
	// removals take it first, so engine processes sharing one index agree
	// on a digest without a shared Locker. Call it inside WithTx.
	LockDigest(ctx context.Context, contentHash string) error

	// Purge deletes the blob row only if its reference count is still zero.
	// Returns true if a row was deleted.
	Purge(ctx context.Context, contentHash string) (bool, error)

	// ListPendingRemoval returns zero-reference blobs released longer ago
	// than gracePeriod, oldest first.
	ListPendingRemoval(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error)

	// Stats returns aggregate index statistics.
	Stats(ctx context.Context) (*BlobStats, error)
}

// ReleaseResult is the outcome of BlobRepository.Release.
type ReleaseResult struct {
	// Deleted is true when the last reference was released.
	Deleted bool

	// FreedBytes is the blob size when Deleted, otherwise zero.
	FreedBytes int64

	// Blob is the blob state after the decrement.
	Blob *domain.Blob
}

// BlobStats contains aggregate blob index statistics.
type BlobStats struct {
	TotalBlobs          int64 `json:"total_blobs"`
	TotalSize           int64 `json:"total_size"`
	PendingRemovalBlobs int64 `json:"pending_removal_blobs"`
	PendingRemovalSize  int64 `json:"pending_removal_size"`
}

// =============================================================================
// File Repository
// =============================================================================

// FileRepository defines the interface for file record data access.
type FileRepository interface {
	// Create persists a new file record.
	Create(ctx context.Context, file *domain.File) error

	// GetByID retrieves a file by ID, including soft-deleted files.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error)

	// MarkDeleted soft-deletes a live file.
	// Returns false if the file does not exist or is already deleted.
	MarkDeleted(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error)

	// CountLiveByOwner returns the number of non-deleted files of an owner.
	CountLiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// CountLiveByHash returns the number of non-deleted files referencing a digest.
	CountLiveByHash(ctx context.Context, contentHash string) (int64, error)

	// ListByOwner returns live files of an owner, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) (*ListResult[domain.File], error)

	// Totals returns counts across all owners.
	Totals(ctx context.Context) (*FileTotals, error)
}

// FileTotals contains aggregate file statistics.
type FileTotals struct {
	LiveFiles    int64 `json:"live_files"`
	DeletedFiles int64 `json:"deleted_files"`
	LiveBytes    int64 `json:"live_bytes"`
}

// =============================================================================
// Account Repository (Storage Accounting Ledger)
// =============================================================================

// AccountRepository defines the interface for the per-owner storage ledger.
type AccountRepository interface {
	// Ensure creates the owner's account with the given quota if missing.
	Ensure(ctx context.Context, ownerID uuid.UUID, quota int64) error

	// Get retrieves an owner's account.
	// Returns domain.ErrAccountNotFound if the owner has none.
	Get(ctx context.Context, ownerID uuid.UUID) (*domain.StorageAccount, error)

	// ChargeUpload records an upload of size logical bytes of which charged
	// bytes were newly stored. It fails with domain.ErrQuotaExceeded,
	// leaving the account untouched, when used + charged would exceed quota.
	ChargeUpload(ctx context.Context, ownerID uuid.UUID, size, charged int64) (*domain.StorageAccount, error)

	// RefundDelete returns refund bytes to the owner's used and actual storage.
	// refund is what the deleted file was charged, not the physical bytes
	// its delete freed: accounting is per owner and approximate, so when the
	// first uploader deletes, stored bytes still shared by other owners are
	// refunded and charged to nobody.
	RefundDelete(ctx context.Context, ownerID uuid.UUID, refund int64) (*domain.StorageAccount, error)

	// SetQuota sets the owner's quota, creating the account if needed.
	SetQuota(ctx context.Context, ownerID uuid.UUID, quota int64) (*domain.StorageAccount, error)

	// Totals returns ledger sums across all owners.
	Totals(ctx context.Context) (*AccountTotals, error)
}

// AccountTotals contains ledger sums across all owners.
type AccountTotals struct {
	Accounts      int64 `json:"accounts"`
	TotalUploaded int64 `json:"total_uploaded"`
	ActualStorage int64 `json:"actual_storage"`
	Saved         int64 `json:"saved"`
	Used          int64 `json:"used"`
}

// =============================================================================
// Common Types
// =============================================================================

// ListOptions contains common pagination options.
type ListOptions struct {
	// Limit is the maximum number of results to return.
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

// ListResult contains paginated results.
type ListResult[T any] struct {
	// Items contains the result items.
	Items []*T

	// Total is the total number of items (if known).
	Total int64

	// HasMore indicates if there are more results.
	HasMore bool
}

// Normalize applies defaults to the options.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 || o.Limit > 1000 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// =============================================================================
// Transaction Support
// =============================================================================

// TxManager defines the interface for transaction management.
type TxManager interface {
	// WithTx executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back.
	// If the function succeeds, the transaction is committed.
	// Calls nested inside an active transaction join it.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
