package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// fileRepository implements repository.FileRepository.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `id, owner_id, original_name, stored_name, mime_type, size, content_hash,
	folder_id, charged_bytes, is_deleted, deleted_at, created_at, updated_at`

func scanFile(row pgx.Row) (*domain.File, error) {
	file := &domain.File{}
	if err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.OriginalName,
		&file.StoredName,
		&file.MimeType,
		&file.Size,
		&file.ContentHash,
		&file.FolderID,
		&file.ChargedBytes,
		&file.IsDeleted,
		&file.DeletedAt,
		&file.CreatedAt,
		&file.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return file, nil
}

// Create persists a new file record.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	query := `
		INSERT INTO files (
			id, owner_id, original_name, stored_name, mime_type, size, content_hash,
			folder_id, charged_bytes, is_deleted, deleted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.conn(ctx).Exec(ctx, query,
		file.ID,
		file.OwnerID,
		file.OriginalName,
		file.StoredName,
		file.MimeType,
		file.Size,
		file.ContentHash,
		file.FolderID,
		file.ChargedBytes,
		file.IsDeleted,
		file.DeletedAt,
		file.CreatedAt,
		file.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: file %s", repository.ErrAlreadyExists, file.ID)
		}
		return classify(fmt.Errorf("failed to create file: %w", err))
	}

	return nil
}

// GetByID retrieves a file by ID, including soft-deleted files.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	file, err := scanFile(r.db.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, classify(fmt.Errorf("failed to get file by id: %w", err))
	}

	return file, nil
}

// MarkDeleted soft-deletes a live file.
func (r *fileRepository) MarkDeleted(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx, `
		UPDATE files
		SET is_deleted = TRUE, deleted_at = $1, updated_at = $1
		WHERE id = $2 AND NOT is_deleted
	`, deletedAt.UTC(), id)
	if err != nil {
		return false, classify(fmt.Errorf("failed to mark file deleted: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountLiveByOwner returns the number of non-deleted files of an owner.
func (r *fileRepository) CountLiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM files WHERE owner_id = $1 AND NOT is_deleted`,
		ownerID,
	).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to count files: %w", err))
	}
	return count, nil
}

// CountLiveByHash returns the number of non-deleted files referencing a digest.
func (r *fileRepository) CountLiveByHash(ctx context.Context, contentHash string) (int64, error) {
	var count int64
	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM files WHERE content_hash = $1 AND NOT is_deleted`,
		contentHash,
	).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to count files: %w", err))
	}
	return count, nil
}

// ListByOwner returns live files of an owner, newest first.
func (r *fileRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts repository.ListOptions) (*repository.ListResult[domain.File], error) {
	opts = opts.Normalize()

	total, err := r.CountLiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE owner_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, ownerID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list files: %w", err))
	}
	defer rows.Close()

	result := &repository.ListResult[domain.File]{Total: total}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		result.Items = append(result.Items, file)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.HasMore = int64(opts.Offset+len(result.Items)) < total
	return result, nil
}

// Totals returns counts across all owners.
func (r *fileRepository) Totals(ctx context.Context) (*repository.FileTotals, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT is_deleted),
			COUNT(*) FILTER (WHERE is_deleted),
			COALESCE(SUM(size) FILTER (WHERE NOT is_deleted), 0)::BIGINT
		FROM files
	`

	totals := &repository.FileTotals{}
	err := r.db.conn(ctx).QueryRow(ctx, query).Scan(&totals.LiveFiles, &totals.DeletedFiles, &totals.LiveBytes)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get file totals: %w", err))
	}
	return totals, nil
}

// Ensure fileRepository implements repository.FileRepository.
var _ repository.FileRepository = (*fileRepository)(nil)
