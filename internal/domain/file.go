package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// File represents a logical, user-visible file.
// A file owns no bytes; it references exactly one Blob by content hash.
type File struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	OriginalName string     `json:"original_name"`
	StoredName   string     `json:"stored_name"`
	MimeType     string     `json:"mime_type"`
	Size         int64      `json:"size"`
	ContentHash  string     `json:"content_hash"`
	FolderID     *uuid.UUID `json:"folder_id,omitempty"`

	// ChargedBytes is what this upload added to the owner's used bytes:
	// Size when the upload stored new content, otherwise zero.
	ChargedBytes int64 `json:"charged_bytes"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewFile creates a new live file record.
func NewFile(ownerID uuid.UUID, originalName, mimeType string, size int64, contentHash string, chargedBytes int64) *File {
	now := time.Now().UTC()
	return &File{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		OriginalName: originalName,
		StoredName:   StoredNameFor(originalName, now),
		MimeType:     mimeType,
		Size:         size,
		ContentHash:  contentHash,
		ChargedBytes: chargedBytes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsDuplicate returns true if the upload did not store new content.
func (f *File) IsDuplicate() bool {
	return f.ChargedBytes == 0
}

// IsOwnedBy returns true if the file belongs to ownerID.
func (f *File) IsOwnedBy(ownerID uuid.UUID) bool {
	return f.OwnerID == ownerID
}

// StoredNameFor derives a display-unique name from the original file name.
//
// Example:
//
//	name: "report.pdf"
//	result: "report_1700000000.pdf"
func StoredNameFor(originalName string, at time.Time) string {
	base := filepath.Base(originalName)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}
	return fmt.Sprintf("%s_%d%s", stem, at.Unix(), ext)
}
