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

// accountRepository implements repository.AccountRepository.
type accountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL storage account repository.
func NewAccountRepository(db *DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

const accountColumns = `owner_id, quota, used, total_uploaded, actual_storage, saved, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.StorageAccount, error) {
	account := &domain.StorageAccount{}
	if err := row.Scan(
		&account.OwnerID,
		&account.Quota,
		&account.Used,
		&account.TotalUploaded,
		&account.ActualStorage,
		&account.Saved,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return account, nil
}

// Ensure creates the owner's account if missing.
func (r *accountRepository) Ensure(ctx context.Context, ownerID uuid.UUID, quota int64) error {
	if quota < 0 {
		return domain.ErrInvalidQuota
	}

	now := time.Now().UTC()
	_, err := r.db.conn(ctx).Exec(ctx, `
		INSERT INTO storage_accounts (owner_id, quota, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, quota, now)
	if err != nil {
		return classify(fmt.Errorf("failed to ensure storage account: %w", err))
	}
	return nil
}

// Get retrieves an owner's account.
func (r *accountRepository) Get(ctx context.Context, ownerID uuid.UUID) (*domain.StorageAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM storage_accounts WHERE owner_id = $1`

	account, err := scanAccount(r.db.conn(ctx).QueryRow(ctx, query, ownerID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, classify(fmt.Errorf("failed to get storage account: %w", err))
	}
	return account, nil
}

// ChargeUpload applies an upload to the ledger if it fits the quota.
// The row lock taken by the UPDATE serializes concurrent charges.
func (r *accountRepository) ChargeUpload(ctx context.Context, ownerID uuid.UUID, size, charged int64) (*domain.StorageAccount, error) {
	query := `
		UPDATE storage_accounts
		SET used = used + $1,
		    total_uploaded = total_uploaded + $2,
		    actual_storage = actual_storage + $1,
		    saved = saved + $3,
		    updated_at = $4
		WHERE owner_id = $5 AND used + $1 <= quota
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.conn(ctx).QueryRow(ctx, query,
		charged, size, size-charged, time.Now().UTC(), ownerID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, r.rejectCharge(ctx, ownerID, charged)
		}
		return nil, classify(fmt.Errorf("failed to charge upload: %w", err))
	}
	return account, nil
}

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
		SET used = used - $1,
		    actual_storage = actual_storage - $1,
		    updated_at = $2
		WHERE owner_id = $3
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.conn(ctx).QueryRow(ctx, query, refund, time.Now().UTC(), ownerID))
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

	query := `
		INSERT INTO storage_accounts (owner_id, quota, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET quota = excluded.quota, updated_at = excluded.updated_at
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.conn(ctx).QueryRow(ctx, query, ownerID, quota, time.Now().UTC()))
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
			COALESCE(SUM(total_uploaded), 0)::BIGINT,
			COALESCE(SUM(actual_storage), 0)::BIGINT,
			COALESCE(SUM(saved), 0)::BIGINT,
			COALESCE(SUM(used), 0)::BIGINT
		FROM storage_accounts
	`

	totals := &repository.AccountTotals{}
	err := r.db.conn(ctx).QueryRow(ctx, query).Scan(
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
