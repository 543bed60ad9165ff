// Package storage defines interfaces for blob storage backends.
// The storage layer is responsible for persisting and retrieving raw blob bytes.
// It keeps no index state: reference counting lives in the repository layer.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrBlobNotFound indicates the blob does not exist at the given path.
	ErrBlobNotFound = errors.New("blob not found in storage")

	// ErrSizeMismatch indicates the written content length differs from the expected size.
	ErrSizeMismatch = errors.New("blob size mismatch")

	// ErrInvalidPath indicates a storage path escapes the storage root.
	ErrInvalidPath = errors.New("invalid storage path")
)

// IsNotFound returns true if err indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlobNotFound)
}

// BlobStore defines the interface for physical blob storage.
// Implementations can include local filesystem, S3, or other storage systems.
// All paths are relative to the backend root and derived from the digest.
type BlobStore interface {
	// Exists checks if content with the given digest is present.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - digest: Hex digest of the content
	//
	// Returns:
	//   - bool: true if content exists, false otherwise
	//   - err: Error if check fails
	Exists(ctx context.Context, digest string) (bool, error)

	// Write stores content at the location derived from its digest.
	// If content of the expected size already exists, nothing is rewritten.
	// Concurrent writers of the same digest are safe: identical digest
	// implies identical bytes.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - digest: Hex digest of the content
	//   - reader: Source of the content
	//   - size: Expected size in bytes
	//
	// Returns:
	//   - storagePath: Backend-relative path of the stored blob
	//   - err: Error if storage fails
	Write(ctx context.Context, digest string, reader io.Reader, size int64) (storagePath string, err error)

	// Remove deletes the blob at storagePath.
	// A path that does not exist is not an error.
	Remove(ctx context.Context, storagePath string) error

	// Read opens the blob at storagePath.
	// Returns a ReadCloser that must be closed after use, or
	// ErrBlobNotFound if nothing is stored there.
	Read(ctx context.Context, storagePath string) (io.ReadCloser, error)

	// PathFor returns the canonical storage path for a digest.
	PathFor(digest string) string

	// LegacyPath returns the path used by the earlier naming convention,
	// where blobs were stored under the bare file identifier. Only readers
	// fall back to it.
	LegacyPath(fileID string) string
}

// StorageStats contains storage statistics derived from the blob index.
type StorageStats struct {
	// TotalBlobs is the number of unique blobs indexed.
	TotalBlobs int64 `json:"total_blobs"`

	// TotalSize is the total size of all indexed blobs in bytes.
	TotalSize int64 `json:"total_size"`

	// PendingRemovalBlobs is the number of blobs with zero references.
	PendingRemovalBlobs int64 `json:"pending_removal_blobs"`

	// PendingRemovalSize is the total size of blobs with zero references.
	PendingRemovalSize int64 `json:"pending_removal_size"`
}
