package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultQuota is the byte budget given to new accounts (1 GiB).
const DefaultQuota int64 = 1 << 30

// StorageAccount holds the per-owner storage ledger.
type StorageAccount struct {
	OwnerID uuid.UUID `json:"owner_id"`

	// Quota is the maximum number of bytes the owner may be charged.
	Quota int64 `json:"quota"`

	// Used is the number of bytes currently charged against Quota.
	Used int64 `json:"used"`

	// TotalUploaded is the cumulative logical size of every upload.
	TotalUploaded int64 `json:"total_uploaded"`

	// ActualStorage is the number of bytes this owner caused to be stored.
	ActualStorage int64 `json:"actual_storage"`

	// Saved is the cumulative number of bytes deduplicated away.
	Saved int64 `json:"saved"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStorageAccount creates an empty account with the given quota.
func NewStorageAccount(ownerID uuid.UUID, quota int64) *StorageAccount {
	now := time.Now().UTC()
	return &StorageAccount{
		OwnerID:   ownerID,
		Quota:     quota,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining returns the unused part of the quota, never negative.
func (a *StorageAccount) Remaining() int64 {
	if a.Used >= a.Quota {
		return 0
	}
	return a.Quota - a.Used
}

// SavingsPercent returns Saved as a percentage of TotalUploaded.
func (a *StorageAccount) SavingsPercent() float64 {
	return Percent(a.Saved, a.TotalUploaded)
}

// UsagePercent returns Used as a percentage of Quota.
func (a *StorageAccount) UsagePercent() float64 {
	return Percent(a.Used, a.Quota)
}

// Percent returns part/total*100, or zero when total is zero.
func Percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
