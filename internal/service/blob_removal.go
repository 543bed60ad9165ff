package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/storage"
)

// errPurgeRaced means the row gained a reference between the re-read and
// the purge. The digest lock should make that impossible.
var errPurgeRaced = errors.New("blob row changed under digest lock")

// blobRemoval deletes the bytes and index row of an unreferenced blob in
// one index transaction that holds the digest's database lock. An upload
// from any engine process sharing the index either commits before the
// re-read, and the removal backs off, or waits until both the row and the
// bytes are gone and writes the bytes again.
type blobRemoval struct {
	tx    repository.TxManager
	blobs repository.BlobRepository
	store storage.BlobStore
}

func newBlobRemoval(repos *repository.Repositories, store storage.BlobStore) blobRemoval {
	return blobRemoval{tx: repos.Tx, blobs: repos.Blob, store: store}
}

type removalRequest struct {
	digest string

	// orphanPath is removed when the digest has no row at all, as after a
	// rolled back upload. Empty leaves unindexed digests alone.
	orphanPath string

	// eligible, when set, must accept the re-read row.
	eligible func(*domain.Blob) bool
}

// remove reports outcomeRemoved with the purged row (nil for an orphan),
// outcomeRevived when the row is referenced again, and outcomeSkipped when
// there was nothing it may remove.
func (r blobRemoval) remove(ctx context.Context, req removalRequest) (outcome, *domain.Blob, error) {
	var (
		result outcome
		purged *domain.Blob
	)

	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		result, purged = outcomeSkipped, nil

		if err := r.blobs.LockDigest(ctx, req.digest); err != nil {
			return err
		}

		blob, err := r.blobs.GetByHash(ctx, req.digest)
		switch {
		case errors.Is(err, domain.ErrBlobNotFound):
			if req.orphanPath == "" {
				return nil
			}
			if err := r.store.Remove(ctx, req.orphanPath); err != nil {
				return err
			}
			result = outcomeRemoved
			return nil
		case err != nil:
			return err
		case blob.RefCount > 0:
			result = outcomeRevived
			return nil
		case req.eligible != nil && !req.eligible(blob):
			return nil
		}

		ok, err := r.blobs.Purge(ctx, blob.ContentHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", errPurgeRaced, blob.ContentHash)
		}

		if err := r.store.Remove(ctx, blob.StoragePath); err != nil {
			return err
		}
		if req.orphanPath != "" && req.orphanPath != blob.StoragePath {
			if err := r.store.Remove(ctx, req.orphanPath); err != nil {
				return err
			}
		}

		result, purged = outcomeRemoved, blob
		return nil
	})
	if err != nil {
		return outcomeFailed, nil, err
	}
	return result, purged, nil
}
