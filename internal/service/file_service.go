package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/lock"
	"github.com/prn-tf/alexander-drive/internal/metrics"
	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/storage"
)

// FileService coordinates uploads and deletes across the blob store, the
// deduplication index, file records and the storage ledger.
type FileService struct {
	blobRepo    repository.BlobRepository
	fileRepo    repository.FileRepository
	accountRepo repository.AccountRepository
	tx          repository.TxManager
	store       storage.BlobStore
	removal     blobRemoval
	hasher      crypto.Hasher
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      FileServiceConfig
}

// FileServiceConfig contains coordinator settings.
type FileServiceConfig struct {
	// DefaultQuota is the quota given to owners on their first upload.
	DefaultQuota int64

	// TempDir holds spooled uploads. Empty means os.TempDir().
	TempDir string

	// OperationTimeout applies when the caller's context has no deadline.
	OperationTimeout time.Duration

	// LockTTL, LockRetries and LockRetryDelay control the per-digest lock.
	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration

	// MaxTxRetries bounds retries of a unit of work that hit a conflict.
	MaxTxRetries int

	// CompensationTimeout bounds blob cleanup after a failed upload and
	// blob removal after a delete.
	CompensationTimeout time.Duration
}

// DefaultFileServiceConfig returns sensible defaults.
func DefaultFileServiceConfig() FileServiceConfig {
	return FileServiceConfig{
		DefaultQuota:        domain.DefaultQuota,
		OperationTimeout:    5 * time.Minute,
		LockTTL:             30 * time.Second,
		LockRetries:         50,
		LockRetryDelay:      100 * time.Millisecond,
		MaxTxRetries:        5,
		CompensationTimeout: 30 * time.Second,
	}
}

// NewFileService creates a new FileService.
func NewFileService(
	repos *repository.Repositories,
	store storage.BlobStore,
	hasher crypto.Hasher,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config FileServiceConfig,
) *FileService {
	return &FileService{
		blobRepo:    repos.Blob,
		fileRepo:    repos.File,
		accountRepo: repos.Account,
		tx:          repos.Tx,
		store:       store,
		removal:     newBlobRemoval(repos, store),
		hasher:      hasher,
		locker:      locker,
		metrics:     m,
		logger:      logger.With().Str("service", "file").Logger(),
		config:      config,
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// UploadInput contains validated upload data.
type UploadInput struct {
	OwnerID      uuid.UUID
	Body         io.Reader
	Size         int64 // -1 if unknown
	MimeType     string
	OriginalName string
	FolderID     *uuid.UUID // Optional
}

// UploadOutput contains the result of an upload.
type UploadOutput struct {
	FileID      uuid.UUID
	StoredName  string
	ContentHash string
	Size        int64
	IsDuplicate bool
	BytesSaved  int64
}

// DeleteInput identifies the file to delete.
type DeleteInput struct {
	FileID  uuid.UUID
	OwnerID uuid.UUID
}

// DeleteOutput contains the result of a delete.
type DeleteOutput struct {
	// BytesFreed is the physical size released, non-zero only when the
	// last reference to the content went away.
	BytesFreed int64

	// LogicalBytesFreed is the size of the deleted file.
	LogicalBytesFreed int64
}

// StorageSummary is an owner's storage ledger.
type StorageSummary struct {
	OwnerID        uuid.UUID `json:"owner_id"`
	TotalUploaded  int64     `json:"total_uploaded"`
	ActualStorage  int64     `json:"actual_storage"`
	Saved          int64     `json:"saved"`
	Used           int64     `json:"used"`
	Quota          int64     `json:"quota"`
	Remaining      int64     `json:"remaining"`
	FileCount      int64     `json:"file_count"`
	SavingsPercent float64   `json:"savings_percent"`
	UsagePercent   float64   `json:"usage_percent"`
}

// SystemStats aggregates storage across all owners.
type SystemStats struct {
	Accounts            int64   `json:"accounts"`
	LiveFiles           int64   `json:"live_files"`
	DeletedFiles        int64   `json:"deleted_files"`
	LogicalBytes        int64   `json:"logical_bytes"`
	TotalUploaded       int64   `json:"total_uploaded"`
	ActualStorage       int64   `json:"actual_storage"`
	Saved               int64   `json:"saved"`
	Used                int64   `json:"used"`
	SavingsPercent      float64 `json:"savings_percent"`
	Blobs               int64   `json:"blobs"`
	BlobBytes           int64   `json:"blob_bytes"`
	PendingRemovalBlobs int64   `json:"pending_removal_blobs"`
	PendingRemovalBytes int64   `json:"pending_removal_bytes"`
}

// =============================================================================
// Upload
// =============================================================================

// Upload stores content for an owner, deduplicating by digest.
//
// The index increment, file record and ledger charge commit together. The
// physical write happens inside that unit of work while the digest lock is
// held; if the unit of work does not commit, bytes it wrote are removed.
func (s *FileService) Upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	output, err := s.upload(ctx, input)

	if output != nil {
		s.metrics.RecordUpload("ok", time.Since(start), output.Size, output.Size-output.BytesSaved, output.IsDuplicate)
	} else {
		s.metrics.RecordUpload(domain.KindName(err), time.Since(start), 0, 0, false)
	}
	return output, err
}

func (s *FileService) upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	const op = "upload"

	// Hashing
	if input.Body == nil {
		return nil, domain.NewEngineError(domain.ErrHashingFailure, op, "", ErrEmptyBody)
	}

	spool, err := storage.NewSpool(ctx, s.config.TempDir, input.Body, s.hasher)
	if err != nil {
		if isCanceled(ctx, err) {
			return nil, domain.NewEngineError(domain.ErrOperationCanceled, op, "", err)
		}
		return nil, domain.NewEngineError(domain.ErrHashingFailure, op, "", err)
	}
	defer func() {
		if err := spool.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to remove spool file")
		}
	}()

	digest, size := spool.Digest(), spool.Size()
	if input.Size >= 0 && input.Size != size {
		return nil, domain.NewEngineError(domain.ErrHashingFailure, op, digest,
			fmt.Errorf("%w: declared %d, read %d", ErrDeclaredSizeMismatch, input.Size, size))
	}

	logger := s.logger.With().
		Str("content_hash", digest).
		Str("owner_id", input.OwnerID.String()).
		Int64("size", size).
		Logger()

	// Per-digest serialization point
	unlock, err := s.lockDigest(ctx, op, digest)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		file    *domain.File
		created bool
		path    string
		written bool
	)

	err = s.retryTx(ctx, func() error {
		return s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.blobRepo.LockDigest(ctx, digest); err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, digest, err)
			}

			// IndexLookup
			blob, isNew, err := s.blobRepo.LookupOrCreate(ctx, digest, size, s.store.PathFor(digest))
			if err != nil {
				if errors.Is(err, domain.ErrDigestSizeMismatch) {
					return domain.NewEngineError(domain.ErrHashingFailure, op, digest, err)
				}
				return stageError(ctx, domain.ErrRecordPersistFailure, op, digest, err)
			}
			created, path = isNew, blob.StoragePath

			// Writing
			if created {
				written = true
				if err := s.writeSpool(ctx, spool, digest, size); err != nil {
					return stageError(ctx, domain.ErrBlobWriteFailure, op, digest, err)
				}
			}

			// RecordCreation
			var charged int64
			if created {
				charged = size
			}
			file = domain.NewFile(input.OwnerID, input.OriginalName, input.MimeType, size, digest, charged)
			file.FolderID = input.FolderID
			if err := s.fileRepo.Create(ctx, file); err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, file.ID.String(), err)
			}

			// QuotaCheck+Commit
			if err := s.accountRepo.Ensure(ctx, input.OwnerID, s.config.DefaultQuota); err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, input.OwnerID.String(), err)
			}
			if _, err := s.accountRepo.ChargeUpload(ctx, input.OwnerID, size, charged); err != nil {
				if errors.Is(err, domain.ErrQuotaExceeded) {
					return domain.NewEngineError(domain.ErrQuotaExceeded, op, input.OwnerID.String(), err)
				}
				return stageError(ctx, domain.ErrRecordPersistFailure, op, input.OwnerID.String(), err)
			}

			if err := ctx.Err(); err != nil {
				return domain.NewEngineError(domain.ErrOperationCanceled, op, digest, err)
			}
			return nil
		})
	})
	if err != nil {
		err = finalError(ctx, op, digest, err)
		if written {
			s.compensate(ctx, digest, path)
		}
		logger.Warn().Err(err).Str("kind", domain.KindName(err)).Msg("upload rolled back")
		return nil, err
	}

	output := &UploadOutput{
		FileID:      file.ID,
		StoredName:  file.StoredName,
		ContentHash: digest,
		Size:        size,
		IsDuplicate: !created,
		BytesSaved:  size - file.ChargedBytes,
	}

	logger.Info().
		Str("file_id", file.ID.String()).
		Bool("duplicate", output.IsDuplicate).
		Int64("bytes_saved", output.BytesSaved).
		Msg("upload committed")

	return output, nil
}

// writeSpool replays the spooled content into the blob store.
func (s *FileService) writeSpool(ctx context.Context, spool *storage.Spool, digest string, size int64) error {
	f, err := spool.Open()
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	if _, err := s.store.Write(ctx, digest, f, size); err != nil {
		return err
	}
	return nil
}

// compensate removes bytes written by a failed upload unless a committed
// index row references them again. It runs detached from the caller's
// cancellation.
func (s *FileService) compensate(ctx context.Context, digest, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CompensationTimeout)
	defer cancel()

	err := backoff.Retry(func() error {
		_, _, err := s.removal.remove(ctx, removalRequest{digest: digest, orphanPath: path})
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(newBackOff(), 3), ctx))

	s.metrics.RecordCompensation(err == nil)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("content_hash", digest).
			Str("storage_path", path).
			Msg("compensation failed, bytes left for garbage collection")
		return
	}

	s.logger.Debug().Str("content_hash", digest).Msg("compensation completed")
}

// =============================================================================
// Delete
// =============================================================================

// Delete soft-deletes a file, releases its content reference and refunds
// the owner. Bytes are removed after commit when the last reference went
// away; a failed removal leaves the blob pending for garbage collection.
func (s *FileService) Delete(ctx context.Context, input DeleteInput) (*DeleteOutput, error) {
	start := time.Now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	output, err := s.delete(ctx, input)

	var freed int64
	if output != nil {
		freed = output.BytesFreed
	}
	s.metrics.RecordDelete(domain.KindName(err), time.Since(start), freed)
	return output, err
}

func (s *FileService) delete(ctx context.Context, input DeleteInput) (*DeleteOutput, error) {
	const op = "delete"
	resource := input.FileID.String()

	file, err := s.fileRepo.GetByID(ctx, input.FileID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			return nil, domain.NewEngineError(domain.ErrFileNotFound, op, resource, err)
		}
		return nil, finalError(ctx, op, resource, err)
	}
	if file.IsDeleted || !file.IsOwnedBy(input.OwnerID) {
		return nil, domain.NewEngineError(domain.ErrFileNotFound, op, resource, nil)
	}

	logger := s.logger.With().
		Str("file_id", resource).
		Str("owner_id", input.OwnerID.String()).
		Str("content_hash", file.ContentHash).
		Logger()

	unlock, err := s.lockDigest(ctx, op, file.ContentHash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var released *repository.ReleaseResult
	err = s.retryTx(ctx, func() error {
		return s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.blobRepo.LockDigest(ctx, file.ContentHash); err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, file.ContentHash, err)
			}

			ok, err := s.fileRepo.MarkDeleted(ctx, file.ID, time.Now())
			if err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, resource, err)
			}
			if !ok {
				return domain.NewEngineError(domain.ErrFileNotFound, op, resource, nil)
			}

			res, err := s.blobRepo.Release(ctx, file.ContentHash)
			if err != nil {
				if errors.Is(err, domain.ErrReferenceUnderflow) {
					return domain.NewEngineError(domain.ErrReferenceUnderflow, op, file.ContentHash, err)
				}
				return stageError(ctx, domain.ErrRecordPersistFailure, op, file.ContentHash, err)
			}

			if _, err := s.accountRepo.RefundDelete(ctx, file.OwnerID, file.ChargedBytes); err != nil {
				return stageError(ctx, domain.ErrRecordPersistFailure, op, file.OwnerID.String(), err)
			}

			if err := ctx.Err(); err != nil {
				return domain.NewEngineError(domain.ErrOperationCanceled, op, resource, err)
			}
			released = res
			return nil
		})
	})
	if err != nil {
		err = finalError(ctx, op, resource, err)
		if errors.Is(err, domain.ErrReferenceUnderflow) {
			s.metrics.RecordUnderflow()
			logger.Error().Err(err).Msg("reference count underflow, index is inconsistent")
		} else {
			logger.Warn().Err(err).Str("kind", domain.KindName(err)).Msg("delete rolled back")
		}
		return nil, err
	}

	if released.Deleted {
		s.removeReleased(ctx, released.Blob)
	}

	logger.Info().
		Bool("last_reference", released.Deleted).
		Int64("bytes_freed", released.FreedBytes).
		Int64("refund", file.ChargedBytes).
		Msg("delete committed")

	return &DeleteOutput{
		BytesFreed:        released.FreedBytes,
		LogicalBytesFreed: file.Size,
	}, nil
}

// removeReleased drops the row and bytes of a blob whose last reference
// was released. An upload from another process may have referenced it
// again since the commit, in which case the bytes stay. Failures leave the
// row pending.
func (s *FileService) removeReleased(ctx context.Context, blob *domain.Blob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CompensationTimeout)
	defer cancel()

	logger := s.logger.With().Str("content_hash", blob.ContentHash).Logger()

	result, _, err := s.removal.remove(ctx, removalRequest{digest: blob.ContentHash})
	switch {
	case err != nil:
		s.metrics.RecordPendingRemoval()
		logger.Warn().Err(err).Msg("failed to remove blob, left for garbage collection")
	case result == outcomeRevived:
		logger.Debug().Msg("blob referenced again before removal")
	}
}

// =============================================================================
// Reads
// =============================================================================

// GetStorageSummary returns an owner's storage ledger. Owners who never
// uploaded get zero usage and the default quota.
func (s *FileService) GetStorageSummary(ctx context.Context, ownerID uuid.UUID) (*StorageSummary, error) {
	account, err := s.accountRepo.Get(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return nil, fmt.Errorf("failed to get storage account: %w", err)
		}
		account = domain.NewStorageAccount(ownerID, s.config.DefaultQuota)
	}

	count, err := s.fileRepo.CountLiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	return &StorageSummary{
		OwnerID:        ownerID,
		TotalUploaded:  account.TotalUploaded,
		ActualStorage:  account.ActualStorage,
		Saved:          account.Saved,
		Used:           account.Used,
		Quota:          account.Quota,
		Remaining:      account.Remaining(),
		FileCount:      count,
		SavingsPercent: account.SavingsPercent(),
		UsagePercent:   account.UsagePercent(),
	}, nil
}

// Open returns the content of a live file owned by ownerID. Content stored
// under the legacy per-file path is found when the canonical path is empty.
func (s *FileService) Open(ctx context.Context, fileID, ownerID uuid.UUID) (io.ReadCloser, *domain.File, error) {
	file, err := s.fileRepo.GetByID(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.IsDeleted || !file.IsOwnedBy(ownerID) {
		return nil, nil, domain.ErrFileNotFound
	}

	path := s.store.PathFor(file.ContentHash)
	if blob, err := s.blobRepo.GetByHash(ctx, file.ContentHash); err == nil {
		path = blob.StoragePath
	} else if !errors.Is(err, domain.ErrBlobNotFound) {
		return nil, nil, err
	}

	rc, err := s.store.Read(ctx, path)
	if err == nil {
		return rc, file, nil
	}
	if !storage.IsNotFound(err) {
		return nil, nil, fmt.Errorf("failed to read blob: %w", err)
	}

	rc, err = s.store.Read(ctx, s.store.LegacyPath(file.ID.String()))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: file %s", ErrContentMissing, file.ID)
		}
		return nil, nil, fmt.Errorf("failed to read legacy blob: %w", err)
	}

	s.logger.Debug().Str("file_id", file.ID.String()).Msg("served content from legacy path")
	return rc, file, nil
}

// ListFiles returns an owner's live files, newest first.
func (s *FileService) ListFiles(ctx context.Context, ownerID uuid.UUID, opts repository.ListOptions) (*repository.ListResult[domain.File], error) {
	return s.fileRepo.ListByOwner(ctx, ownerID, opts)
}

// SetQuota sets an owner's quota. Existing files are kept when it drops
// below current usage, but every upload is rejected, duplicates included,
// until usage fits again.
func (s *FileService) SetQuota(ctx context.Context, ownerID uuid.UUID, quota int64) (*StorageSummary, error) {
	if _, err := s.accountRepo.SetQuota(ctx, ownerID, quota); err != nil {
		if errors.Is(err, domain.ErrInvalidQuota) {
			return nil, domain.NewDomainError(err, fmt.Sprintf("got %d", quota), ownerID.String())
		}
		return nil, fmt.Errorf("failed to set quota: %w", err)
	}

	s.logger.Info().Str("owner_id", ownerID.String()).Int64("quota", quota).Msg("quota updated")
	return s.GetStorageSummary(ctx, ownerID)
}

// GetSystemStats returns storage totals across all owners.
func (s *FileService) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	accounts, err := s.accountRepo.Totals(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.fileRepo.Totals(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := s.blobRepo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &SystemStats{
		Accounts:            accounts.Accounts,
		LiveFiles:           files.LiveFiles,
		DeletedFiles:        files.DeletedFiles,
		LogicalBytes:        files.LiveBytes,
		TotalUploaded:       accounts.TotalUploaded,
		ActualStorage:       accounts.ActualStorage,
		Saved:               accounts.Saved,
		Used:                accounts.Used,
		SavingsPercent:      domain.Percent(accounts.Saved, accounts.TotalUploaded),
		Blobs:               blobs.TotalBlobs,
		BlobBytes:           blobs.TotalSize,
		PendingRemovalBlobs: blobs.PendingRemovalBlobs,
		PendingRemovalBytes: blobs.PendingRemovalSize,
	}, nil
}

// =============================================================================
// Helpers
// =============================================================================

// withTimeout applies the operation timeout when ctx has no deadline.
func (s *FileService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// lockDigest takes the per-digest lock and returns its release function.
func (s *FileService) lockDigest(ctx context.Context, op, digest string) (func(), error) {
	l := lock.NewLock(s.locker, lock.Keys.Blob(digest)).OnRenewError(func(err error) {
		s.logger.Warn().Err(err).Str("content_hash", digest).Msg("failed to renew digest lock")
	})

	acquired, err := l.AcquireWithRetry(ctx, s.config.LockTTL, s.config.LockRetries, s.config.LockRetryDelay)
	if err != nil {
		if isCanceled(ctx, err) {
			return nil, domain.NewEngineError(domain.ErrOperationCanceled, op, digest, err)
		}
		return nil, domain.NewEngineError(domain.ErrIndexContention, op, digest, err)
	}
	if !acquired {
		return nil, domain.NewEngineError(domain.ErrIndexContention, op, digest,
			fmt.Errorf("lock %s still held after %d retries", l.Key(), s.config.LockRetries))
	}

	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error().Err(err).Str("content_hash", digest).Msg("failed to release digest lock")
		}
	}, nil
}

// retryTx runs fn, retrying with exponential backoff while it fails with a
// repository conflict.
func (s *FileService) retryTx(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(s.config.MaxTxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || repository.IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		s.metrics.RecordTxRetry()
		s.logger.Debug().Err(err).Dur("wait", wait).Msg("retrying conflicted transaction")
	})
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}
