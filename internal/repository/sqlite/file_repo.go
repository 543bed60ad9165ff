package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// fileRepository implements repository.FileRepository for SQLite.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `id, owner_id, original_name, stored_name, mime_type, size, content_hash,
	folder_id, charged_bytes, is_deleted, deleted_at, created_at, updated_at`

func scanFile(row rowScanner) (*domain.File, error) {
	file := &domain.File{}
	var id, ownerID, createdAt, updatedAt string
	var folderID, deletedAt sql.NullString
	var isDeleted int

	if err := row.Scan(
		&id,
		&ownerID,
		&file.OriginalName,
		&file.StoredName,
		&file.MimeType,
		&file.Size,
		&file.ContentHash,
		&folderID,
		&file.ChargedBytes,
		&isDeleted,
		&deletedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if file.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid file id %q: %w", id, err)
	}
	if file.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, fmt.Errorf("invalid owner id %q: %w", ownerID, err)
	}
	if folderID.Valid && folderID.String != "" {
		folder, err := uuid.Parse(folderID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid folder id %q: %w", folderID.String, err)
		}
		file.FolderID = &folder
	}
	file.IsDeleted = isDeleted != 0
	file.DeletedAt = parseNullTime(deletedAt)
	file.CreatedAt = parseTime(createdAt)
	file.UpdatedAt = parseTime(updatedAt)

	return file, nil
}

// Create persists a new file record.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	query := `
		INSERT INTO files (
			id, owner_id, original_name, stored_name, mime_type, size, content_hash,
			folder_id, charged_bytes, is_deleted, deleted_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var folderID, deletedAt interface{}
	if file.FolderID != nil {
		folderID = file.FolderID.String()
	}
	if file.DeletedAt != nil {
		deletedAt = formatTime(*file.DeletedAt)
	}

	_, err := r.db.ExecContext(ctx, query,
		file.ID.String(),
		file.OwnerID.String(),
		file.OriginalName,
		file.StoredName,
		file.MimeType,
		file.Size,
		file.ContentHash,
		folderID,
		file.ChargedBytes,
		boolToInt(file.IsDeleted),
		deletedAt,
		formatTime(file.CreatedAt),
		formatTime(file.UpdatedAt),
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
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`

	file, err := scanFile(r.db.QueryRowContext(ctx, query, id.String()))
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
	query := `
		UPDATE files
		SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`

	ts := formatTime(deletedAt)
	result, err := r.db.ExecContext(ctx, query, ts, ts, id.String())
	if err != nil {
		return false, classify(fmt.Errorf("failed to mark file deleted: %w", err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// CountLiveByOwner returns the number of non-deleted files of an owner.
func (r *fileRepository) CountLiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE owner_id = ? AND is_deleted = 0`,
		ownerID.String(),
	).Scan(&count)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to count files: %w", err))
	}
	return count, nil
}

// CountLiveByHash returns the number of non-deleted files referencing a digest.
func (r *fileRepository) CountLiveByHash(ctx context.Context, contentHash string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE content_hash = ? AND is_deleted = 0`,
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
		WHERE owner_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID.String(), opts.Limit, opts.Offset)
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
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN size ELSE 0 END), 0)
		FROM files
	`

	totals := &repository.FileTotals{}
	err := r.db.QueryRowContext(ctx, query).Scan(&totals.LiveFiles, &totals.DeletedFiles, &totals.LiveBytes)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get file totals: %w", err))
	}
	return totals, nil
}

// Ensure fileRepository implements repository.FileRepository.
var _ repository.FileRepository = (*fileRepository)(nil)
