package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
)

// accountRepository implements repository.AccountRepository for SQLite.
type accountRepository struct {
	db *DB
}

// NewAccountRepository creates a new SQLite storage account repository.
func NewAccountRepository(db *DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

const accountColumns = `owner_id, quota, used, total_uploaded, actual_storage, saved, created_at, updated_at`

func scanAccount(row rowScanner) (*domain.StorageAccount, error) {
	account := &domain.StorageAccount{}
	var ownerID, createdAt, updatedAt string

	if err := row.Scan(
		&ownerID,
		&account.Quota,
		&account.Used,
		&account.TotalUploaded,
		&account.ActualStorage,
		&account.Saved,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(ownerID)
	if err != nil {
		return nil, fmt.Errorf("invalid owner id %q: %w", ownerID, err)
	}
	account.OwnerID = id
	account.CreatedAt = parseTime(createdAt)
	account.UpdatedAt = parseTime(updatedAt)

	return account, nil
}

// Ensure creates the owner's account if missing.
func (r *accountRepository) Ensure(ctx context.Context, ownerID uuid.UUID, quota int64) error {
	if quota < 0 {
		return domain.ErrInvalidQuota
	}

	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO storage_accounts (owner_id, quota, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID.String(), quota, now, now)
	if err != nil {
		return classify(fmt.Errorf("failed to ensure storage account: %w", err))
	}
	return nil
}

// Get retrieves an owner's account.
func (r *accountRepository) Get(ctx context.Context, ownerID uuid.UUID) (*domain.StorageAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM storage_accounts WHERE owner_id = ?`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, ownerID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classify(fmt.Errorf("failed to get storage account: %w", err))
	}
	return account, nil
}

// ChargeUpload applies an upload to the ledger if it fits the quota.
// The quota check and the update are one statement.
func (r *accountRepository) ChargeUpload(ctx context.Context, ownerID uuid.UUID, size, charged int64) (*domain.StorageAccount, error) {
	query := `
		UPDATE storage_accounts
		SET used = used + ?,
		    total_uploaded = total_uploaded + ?,
		    actual_storage = actual_storage + ?,
		    saved = saved + ?,
		    updated_at = ?
		WHERE owner_id = ? AND used + ? <= quota
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query,
		charged,
		size,
		charged,
		size-charged,
		formatTime(time.Now()),
		ownerID.String(),
		charged,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, r.rejectCharge(ctx, ownerID, charged)
		}
		return nil, classify(fmt.Errorf("failed to charge upload: %w", err))
	}
	return account, nil
}

// rejectCharge explains why a conditional charge matched no row.
func (r *accountRepository) rejectCharge(ctx context.Context, ownerID uuid.UUID, charged int64) error {
	account, err := r.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: used %d + %d exceeds quota %d",
		domain.ErrQuotaExceeded, account.Used, charged, account.Quota)
}

// RefundDelete returns bytes to the owner's used and actual storage. The
// refund is the file's charged bytes, even when other owners still share
// the content.
func (r *accountRepository) RefundDelete(ctx context.Context, ownerID uuid.UUID, refund int64) (*domain.StorageAccount, error) {
	query := `
		UPDATE storage_accounts
		SET used = used - ?,
		    actual_storage = actual_storage - ?,
		    updated_at = ?
		WHERE owner_id = ?
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, refund, refund, formatTime(time.Now()), ownerID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classify(fmt.Errorf("failed to refund delete: %w", err))
	}
	return account, nil
}

// SetQuota sets the owner's quota, creating the account if needed.
func (r *accountRepository) SetQuota(ctx context.Context, ownerID uuid.UUID, quota int64) (*domain.StorageAccount, error) {
	if quota < 0 {
		return nil, domain.ErrInvalidQuota
	}

	now := formatTime(time.Now())
	query := `
		INSERT INTO storage_accounts (owner_id, quota, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE
		SET quota = excluded.quota, updated_at = excluded.updated_at
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, ownerID.String(), quota, now, now))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to set quota: %w", err))
	}
	return account, nil
}

// Totals returns ledger sums across all owners.
func (r *accountRepository) Totals(ctx context.Context) (*repository.AccountTotals, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(total_uploaded), 0),
			COALESCE(SUM(actual_storage), 0),
			COALESCE(SUM(saved), 0),
			COALESCE(SUM(used), 0)
		FROM storage_accounts
	`

	totals := &repository.AccountTotals{}
	err := r.db.QueryRowContext(ctx, query).Scan(
		&totals.Accounts,
		&totals.TotalUploaded,
		&totals.ActualStorage,
		&totals.Saved,
		&totals.Used,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get account totals: %w", err))
	}
	return totals, nil
}

// Ensure accountRepository implements repository.AccountRepository.
var _ repository.AccountRepository = (*accountRepository)(nil)
