package domain

import (
	"time"
)

// Blob is one physically stored piece of content, identified by its digest.
// Every file whose bytes hash to ContentHash points at the same Blob.
type Blob struct {
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`

	// StoragePath is where the bytes live, relative to the store root.
	StoragePath string `json:"storage_path"`

	// RefCount counts live files naming this digest. Zero marks a blob
	// whose bytes are being, or failed to be, removed.
	RefCount int32 `json:"ref_count"`

	CreatedAt time.Time `json:"created_at"`

	// ReleasedAt is when RefCount last reached zero. An upload that
	// references the blob again clears it.
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// NewBlob returns a Blob referenced by the file that introduced it.
func NewBlob(contentHash string, size int64, storagePath string) *Blob {
	return &Blob{
		ContentHash: contentHash,
		Size:        size,
		StoragePath: storagePath,
		RefCount:    1,
		CreatedAt:   time.Now().UTC(),
	}
}

func (b *Blob) IsPendingRemoval() bool {
	return b.RefCount == 0
}

// CanGarbageCollect reports whether the blob has been unreferenced for
// longer than gracePeriod.
func (b *Blob) CanGarbageCollect(gracePeriod time.Duration) bool {
	return b.IsPendingRemoval() && b.ReleasedAt != nil && time.Since(*b.ReleasedAt) > gracePeriod
}
