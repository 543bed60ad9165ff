package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// blobRepository implements repository.BlobRepository.
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new PostgreSQL blob repository.
func NewBlobRepository(db *DB) repository.BlobRepository {
	return &blobRepository{db: db}
}

const blobColumns = `content_hash, size, storage_path, ref_count, created_at, released_at`

func scanBlob(row pgx.Row) (*domain.Blob, error) {
	blob := &domain.Blob{}
	if err := row.Scan(
		&blob.ContentHash,
		&blob.Size,
		&blob.StoragePath,
		&blob.RefCount,
		&blob.CreatedAt,
		&blob.ReleasedAt,
	); err != nil {
		return nil, err
	}
	return blob, nil
}

// LookupOrCreate inserts the blob or increments ref_count if it exists.
// A row pending removal is revived and reported as created.
func (r *blobRepository) LookupOrCreate(ctx context.Context, contentHash string, size int64, storagePath string) (*domain.Blob, bool, error) {
	query := `
		INSERT INTO blobs (content_hash, size, storage_path, ref_count, created_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (content_hash) DO UPDATE
		SET ref_count = blobs.ref_count + 1,
		    storage_path = CASE WHEN blobs.ref_count = 0 THEN excluded.storage_path ELSE blobs.storage_path END,
		    released_at = NULL
		WHERE blobs.size = excluded.size
		RETURNING ` + blobColumns

	blob, err := scanBlob(r.db.conn(ctx).QueryRow(ctx, query, contentHash, size, storagePath, time.Now().UTC()))
	if err != nil {
		if isNoRows(err) {
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
		    released_at = CASE WHEN ref_count = 1 THEN $1::timestamptz ELSE released_at END
		WHERE content_hash = $2 AND ref_count > 0
		RETURNING ` + blobColumns

	blob, err := scanBlob(r.db.conn(ctx).QueryRow(ctx, query, time.Now().UTC(), contentHash))
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

// GetByHash retrieves a blob by its content hash (primary key).
func (r *blobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE content_hash = $1`

	blob, err := scanBlob(r.db.conn(ctx).QueryRow(ctx, query, contentHash))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, classify(fmt.Errorf("failed to get blob by hash: %w", err))
	}

	return blob, nil
}

// LockDigest takes a transaction-scoped advisory lock keyed by the digest.
func (r *blobRepository) LockDigest(ctx context.Context, contentHash string) error {
	if _, err := r.db.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, contentHash); err != nil {
		return classify(fmt.Errorf("failed to lock digest: %w", err))
	}
	return nil
}

// Purge deletes a blob row whose reference count is still zero.
func (r *blobRepository) Purge(ctx context.Context, contentHash string) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`DELETE FROM blobs WHERE content_hash = $1 AND ref_count = 0`,
		contentHash,
	)
	if err != nil {
		return false, classify(fmt.Errorf("failed to purge blob: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// ListPendingRemoval returns zero-reference blobs older than the grace period.
func (r *blobRepository) ListPendingRemoval(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	query := `
		SELECT ` + blobColumns + `
		FROM blobs
		WHERE ref_count = 0 AND released_at IS NOT NULL AND released_at <= $1
		ORDER BY released_at
		LIMIT $2
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, time.Now().UTC().Add(-gracePeriod), limit)
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
			COALESCE(SUM(size), 0)::BIGINT,
			COUNT(*) FILTER (WHERE ref_count = 0),
			COALESCE(SUM(size) FILTER (WHERE ref_count = 0), 0)::BIGINT
		FROM blobs
	`

	stats := &repository.BlobStats{}
	err := r.db.conn(ctx).QueryRow(ctx, query).Scan(
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
