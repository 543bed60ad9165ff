package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// blobRepository implements repository.BlobRepository for SQLite.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new SQLite blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

const blobColumns = `content_hash, size, storage_path, ref_count, created_at, released_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlob(row rowScanner) (*domain.Blob, error) {
	blob := &domain.Blob{}
	var createdAt string
	var releasedAt sql.NullString

	if err := row.Scan(
		&blob.ContentHash,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&createdAt,
		&releasedAt,
	); err != nil {
		return nil, err
	}

	blob.CreatedAt = parseTime(createdAt)
	blob.ReleasedAt = parseNullTime(releasedAt)
	return blob, nil
}

// LookupOrCreate inserts the blob or increments its reference count in a
// single upsert. A row pending removal is revived and reported as created,
// because its bytes may already be gone.
func (r *blobRepository) LookupOrCreate(ctx context.Context, contentHash string, size int64, storagePath string) (*domain.Blob, bool, error) {
	query := `
		INSERT INTO blobs (content_hash, size, storage_path, ref_count, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (content_hash) DO UPDATE
		SET ref_count = ref_count + 1,
		    storage_path = CASE WHEN ref_count = 0 THEN excluded.storage_path ELSE storage_path END,
		    released_at = NULL
		WHERE size = excluded.size
		RETURNING ` + blobColumns

	blob, err := scanBlob(r.db.QueryRowContext(ctx, query, contentHash, size, storagePath, formatTime(time.Now())))
	if err != nil {
		if isNoRows(err) {
			// The conflict update was filtered out by the size guard.
			return nil, false, fmt.Errorf("%w: %s", domain.ErrDigestSizeMismatch, contentHash)
		}
		return nil, false, classify(fmt.Errorf("failed to upsert blob: %w", err))
	}

	return blob, blob.RefCount == 1, nil
}

// Release decrements the reference count, refusing to go below zero.
func (r *blobRepository) Release(ctx context.Context, contentHash string) (*repository.ReleaseResult, error) {
	query := `
		UPDATE blobs
		SET ref_count = ref_count - 1,
		    released_at = CASE WHEN ref_count = 1 THEN ? ELSE released_at END
		WHERE content_hash = ? AND ref_count > 0
		RETURNING ` + blobColumns

	blob, err := scanBlob(r.db.QueryRowContext(ctx, query, formatTime(time.Now()), contentHash))
	if err != nil {
		if isNoRows(err) {
			return nil, r.underflow(ctx, contentHash)
		}
		return nil, classify(fmt.Errorf("failed to release blob: %w", err))
	}

	result := &repository.ReleaseResult{Blob: blob}
	if blob.RefCount == 0 {
		result.Deleted = true
		result.FreedBytes = blob.Size
	}
	return result, nil
}

// underflow explains why a guarded decrement matched no row.
func (r *blobRepository) underflow(ctx context.Context, contentHash string) error {
	blob, err := r.GetByHash(ctx, contentHash)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			return fmt.Errorf("%w: blob %s is not indexed", domain.ErrReferenceUnderflow, contentHash)
		}
		return err
	}
	return fmt.Errorf("%w: blob %s has ref_count %d", domain.ErrReferenceUnderflow, contentHash, blob.RefCount)
}

// GetByHash retrieves a blob by its content hash.
func (r *blobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE content_hash = ?`

	blob, err := scanBlob(r.db.QueryRowContext(ctx, query, contentHash))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, classify(fmt.Errorf("failed to get blob by hash: %w", err))
	}

	return blob, nil
}

// LockDigest does nothing: transactions begin IMMEDIATE, so the write lock
// on the whole database is already held.
func (r *blobRepository) LockDigest(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Purge deletes a blob row whose reference count is still zero.
func (r *blobRepository) Purge(ctx context.Context, contentHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE content_hash = ? AND ref_count = 0`,
		contentHash,
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to purge blob: %w", err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// ListPendingRemoval returns zero-reference blobs older than the grace period.
func (r *blobRepository) ListPendingRemoval(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	query := `
		SELECT ` + blobColumns + `
		FROM blobs
		WHERE ref_count = 0 AND released_at IS NOT NULL AND released_at <= ?
		ORDER BY released_at
		LIMIT ?
	`

	cutoff := formatTime(time.Now().Add(-gracePeriod))
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list pending blobs: %w", err))
	}
	defer rows.Close()

	var blobs []*domain.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, blob)
	}

	return blobs, rows.Err()
}

// Stats returns aggregate index statistics.
func (r *blobRepository) Stats(ctx context.Context) (*repository.BlobStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN size ELSE 0 END), 0)
		FROM blobs
	`

	stats := &repository.BlobStats{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalBlobs,
		&stats.TotalSize,
		&stats.PendingRemovalBlobs,
		&stats.PendingRemovalSize,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get blob stats: %w", err))
	}

	return stats, nil
}

// Ensure blobRepository implements repository.BlobRepository.
var _ repository.BlobRepository = (*blobRepository)(nil)
