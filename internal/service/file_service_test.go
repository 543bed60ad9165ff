package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drive/internal/domain"
	"github.com/prn-tf/alexander-drive/internal/lock"
	"github.com/prn-tf/alexander-drive/internal/metrics"
	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drive/internal/repository"
	"github.com/prn-tf/alexander-drive/internal/storage"
)

// =============================================================================
// Mock Types
// =============================================================================

type mockBlobRepository struct {
	mock.Mock

	lockedMu sync.Mutex
	locked   []string
}

func (m *mockBlobRepository) LookupOrCreate(ctx context.Context, contentHash string, size int64, storagePath string) (*domain.Blob, bool, error) {
	args := m.Called(ctx, contentHash, size, storagePath)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*domain.Blob), args.Bool(1), args.Error(2)
}

func (m *mockBlobRepository) Release(ctx context.Context, contentHash string) (*repository.ReleaseResult, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ReleaseResult), args.Error(1)
}

func (m *mockBlobRepository) GetByHash(ctx context.Context, contentHash string) (*domain.Blob, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Blob), args.Error(1)
}

// LockDigest records the digest instead of expecting a call, so every
// unit of work may take it.
func (m *mockBlobRepository) LockDigest(ctx context.Context, contentHash string) error {
	m.lockedMu.Lock()
	defer m.lockedMu.Unlock()
	m.locked = append(m.locked, contentHash)
	return ctx.Err()
}

func (m *mockBlobRepository) lockedDigests() []string {
	m.lockedMu.Lock()
	defer m.lockedMu.Unlock()
	return append([]string(nil), m.locked...)
}

func (m *mockBlobRepository) Purge(ctx context.Context, contentHash string) (bool, error) {
	args := m.Called(ctx, contentHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockBlobRepository) ListPendingRemoval(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.Blob, error) {
	args := m.Called(ctx, gracePeriod, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Blob), args.Error(1)
}

func (m *mockBlobRepository) Stats(ctx context.Context) (*repository.BlobStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.BlobStats), args.Error(1)
}

type mockFileRepository struct {
	mock.Mock
}

func (m *mockFileRepository) Create(ctx context.Context, file *domain.File) error {
	args := m.Called(ctx, file)
	return args.Error(0)
}

func (m *mockFileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.File), args.Error(1)
}

func (m *mockFileRepository) MarkDeleted(ctx context.Context, id uuid.UUID, deletedAt time.Time) (bool, error) {
	args := m.Called(ctx, id, deletedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockFileRepository) CountLiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockFileRepository) CountLiveByHash(ctx context.Context, contentHash string) (int64, error) {
	args := m.Called(ctx, contentHash)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockFileRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts repository.ListOptions) (*repository.ListResult[domain.File], error) {
	args := m.Called(ctx, ownerID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ListResult[domain.File]), args.Error(1)
}

func (m *mockFileRepository) Totals(ctx context.Context) (*repository.FileTotals, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.FileTotals), args.Error(1)
}

type mockAccountRepository struct {
	mock.Mock
}

func (m *mockAccountRepository) Ensure(ctx context.Context, ownerID uuid.UUID, quota int64) error {
	args := m.Called(ctx, ownerID, quota)
	return args.Error(0)
}

func (m *mockAccountRepository) Get(ctx context.Context, ownerID uuid.UUID) (*domain.StorageAccount, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StorageAccount), args.Error(1)
}

func (m *mockAccountRepository) ChargeUpload(ctx context.Context, ownerID uuid.UUID, size, charged int64) (*domain.StorageAccount, error) {
	args := m.Called(ctx, ownerID, size, charged)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StorageAccount), args.Error(1)
}

func (m *mockAccountRepository) RefundDelete(ctx context.Context, ownerID uuid.UUID, refund int64) (*domain.StorageAccount, error) {
	args := m.Called(ctx, ownerID, refund)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StorageAccount), args.Error(1)
}

func (m *mockAccountRepository) SetQuota(ctx context.Context, ownerID uuid.UUID, quota int64) (*domain.StorageAccount, error) {
	args := m.Called(ctx, ownerID, quota)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StorageAccount), args.Error(1)
}

func (m *mockAccountRepository) Totals(ctx context.Context) (*repository.AccountTotals, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.AccountTotals), args.Error(1)
}

// mockBlobStore mocks the byte-moving methods; path derivation is fixed.
type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Exists(ctx context.Context, digest string) (bool, error) {
	args := m.Called(ctx, digest)
	return args.Bool(0), args.Error(1)
}

func (m *mockBlobStore) Write(ctx context.Context, digest string, reader io.Reader, size int64) (string, error) {
	args := m.Called(ctx, digest, reader, size)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) Remove(ctx context.Context, storagePath string) error {
	args := m.Called(ctx, storagePath)
	return args.Error(0)
}

func (m *mockBlobStore) Read(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	args := m.Called(ctx, storagePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockBlobStore) PathFor(digest string) string {
	return "blobs/" + digest
}

func (m *mockBlobStore) LegacyPath(fileID string) string {
	return "legacy/" + fileID
}

// passthroughTx runs the unit of work without a real transaction.
type passthroughTx struct {
	calls int
}

func (p *passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// =============================================================================
// Helper Functions
// =============================================================================

type testDeps struct {
	blobs    *mockBlobRepository
	files    *mockFileRepository
	accounts *mockAccountRepository
	store    *mockBlobStore
	tx       *passthroughTx
	locker   *lock.MemoryLocker
	metrics  *metrics.Metrics
}

func newTestFileService(t *testing.T, mutate ...func(*FileServiceConfig)) (*FileService, *testDeps) {
	t.Helper()

	deps := &testDeps{
		blobs:    new(mockBlobRepository),
		files:    new(mockFileRepository),
		accounts: new(mockAccountRepository),
		store:    new(mockBlobStore),
		tx:       &passthroughTx{},
		locker:   lock.NewMemoryLocker(),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	t.Cleanup(func() { _ = deps.locker.Close() })

	cfg := DefaultFileServiceConfig()
	cfg.TempDir = t.TempDir()
	cfg.DefaultQuota = 1000
	cfg.LockRetries = 2
	cfg.LockRetryDelay = time.Millisecond
	cfg.MaxTxRetries = 2
	cfg.CompensationTimeout = time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}

	repos := &repository.Repositories{
		Blob:    deps.blobs,
		File:    deps.files,
		Account: deps.accounts,
		Tx:      deps.tx,
	}
	svc := NewFileService(repos, deps.store, crypto.SHA256(), deps.locker, deps.metrics, zerolog.Nop(), cfg)
	return svc, deps
}

func (d *testDeps) assertExpectations(t *testing.T) {
	t.Helper()
	mock.AssertExpectationsForObjects(t, d.blobs, d.files, d.accounts, d.store)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

var (
	testContent = []byte("hello world")
	testDigest  = crypto.ComputeSHA256(testContent)
	testPath    = "blobs/" + testDigest
	testSize    = int64(len(testContent))
	testOwner   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
)

func uploadInput() UploadInput {
	return UploadInput{
		OwnerID:      testOwner,
		Body:         bytes.NewReader(testContent),
		Size:         testSize,
		MimeType:     "text/plain",
		OriginalName: "hello.txt",
	}
}

func account(used int64) *domain.StorageAccount {
	a := domain.NewStorageAccount(testOwner, 1000)
	a.Used = used
	return a
}

// =============================================================================
// Upload
// =============================================================================

func TestFileService_Upload(t *testing.T) {
	tests := []struct {
		name      string
		input     func() UploadInput
		setup     func(*testDeps)
		wantErr   error
		wantDup   bool
		wantSaved int64
	}{
		{
			name:  "new content is written and charged",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
				d.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return(testPath, nil)
				d.files.On("Create", mock.Anything, mock.MatchedBy(func(f *domain.File) bool {
					return f.ChargedBytes == testSize && f.ContentHash == testDigest
				})).Return(nil)
				d.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
				d.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, testSize).Return(account(testSize), nil)
			},
		},
		{
			name:  "duplicate content is not written or charged",
			input: uploadInput,
			setup: func(d *testDeps) {
				blob := domain.NewBlob(testDigest, testSize, testPath)
				blob.RefCount = 2
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).Return(blob, false, nil)
				d.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(nil)
				d.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
				d.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, int64(0)).Return(account(0), nil)
			},
			wantDup:   true,
			wantSaved: testSize,
		},
		{
			name: "nil body",
			input: func() UploadInput {
				in := uploadInput()
				in.Body = nil
				return in
			},
			setup:   func(d *testDeps) {},
			wantErr: domain.ErrHashingFailure,
		},
		{
			name: "unreadable body",
			input: func() UploadInput {
				in := uploadInput()
				in.Body = failingReader{}
				return in
			},
			setup:   func(d *testDeps) {},
			wantErr: domain.ErrHashingFailure,
		},
		{
			name: "declared size differs from content",
			input: func() UploadInput {
				in := uploadInput()
				in.Size = testSize + 1
				return in
			},
			setup:   func(d *testDeps) {},
			wantErr: ErrDeclaredSizeMismatch,
		},
		{
			name:  "digest indexed with another size",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(nil, false, domain.ErrDigestSizeMismatch)
			},
			wantErr: domain.ErrHashingFailure,
		},
		{
			name:  "blob write failure is compensated",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
				d.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return("", errors.New("disk full"))
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
				d.store.On("Remove", mock.Anything, testPath).Return(nil)
			},
			wantErr: domain.ErrBlobWriteFailure,
		},
		{
			name:  "record persist failure after write is compensated",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
				d.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return(testPath, nil)
				d.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(errors.New("disk I/O error"))
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
				d.store.On("Remove", mock.Anything, testPath).Return(nil)
			},
			wantErr: domain.ErrRecordPersistFailure,
		},
		{
			name:  "record persist failure on duplicate leaves bytes alone",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), false, nil)
				d.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(errors.New("disk I/O error"))
			},
			wantErr: domain.ErrRecordPersistFailure,
		},
		{
			name:  "quota exceeded is compensated",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
				d.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return(testPath, nil)
				d.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(nil)
				d.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
				d.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, testSize).Return(nil, domain.ErrQuotaExceeded)
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
				d.store.On("Remove", mock.Anything, testPath).Return(nil)
			},
			wantErr: domain.ErrQuotaExceeded,
		},
		{
			name:  "compensation keeps bytes a committed row references",
			input: uploadInput,
			setup: func(d *testDeps) {
				d.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
					Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
				d.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return("", errors.New("timeout"))
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(domain.NewBlob(testDigest, testSize, testPath), nil)
			},
			wantErr: domain.ErrBlobWriteFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestFileService(t)
			tt.setup(deps)

			output, err := svc.Upload(context.Background(), tt.input())

			if tt.wantErr != nil {
				require.Error(t, err)
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, output)
			} else {
				require.NoError(t, err)
				assert.Equal(t, testDigest, output.ContentHash)
				assert.Equal(t, testSize, output.Size)
				assert.Equal(t, tt.wantDup, output.IsDuplicate)
				assert.Equal(t, tt.wantSaved, output.BytesSaved)
				assert.NotEqual(t, uuid.Nil, output.FileID)
			}

			deps.assertExpectations(t)
		})
	}
}

func TestFileService_Upload_CompensationMetrics(t *testing.T) {
	svc, deps := newTestFileService(t)
	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
	deps.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return("", errors.New("disk full"))
	deps.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
	deps.store.On("Remove", mock.Anything, testPath).Return(nil)

	_, err := svc.Upload(context.Background(), uploadInput())
	require.ErrorIs(t, err, domain.ErrBlobWriteFailure)

	deps.store.AssertCalled(t, "Remove", mock.Anything, testPath)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.CompensationsTotal.WithLabelValues("removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.OperationsTotal.WithLabelValues("upload", "blob_write_failure")))
}

func TestFileService_Upload_RetriesConflicts(t *testing.T) {
	svc, deps := newTestFileService(t)
	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(nil, false, repository.ErrConflict).Once()
	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(domain.NewBlob(testDigest, testSize, testPath), false, nil).Once()
	deps.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(nil)
	deps.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
	deps.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, int64(0)).Return(account(0), nil)

	output, err := svc.Upload(context.Background(), uploadInput())
	require.NoError(t, err)
	assert.True(t, output.IsDuplicate)
	assert.Equal(t, 2, deps.tx.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.TxRetriesTotal))
	deps.assertExpectations(t)
}

func TestFileService_Upload_ConflictsExhausted(t *testing.T) {
	svc, deps := newTestFileService(t, func(c *FileServiceConfig) { c.MaxTxRetries = 1 })
	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(nil, false, repository.ErrConflict)

	_, err := svc.Upload(context.Background(), uploadInput())
	require.ErrorIs(t, err, domain.ErrIndexContention)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 2, deps.tx.calls)
}

func TestFileService_Upload_LockContention(t *testing.T) {
	svc, deps := newTestFileService(t)

	_, ok, err := deps.locker.Acquire(context.Background(), lock.Keys.Blob(testDigest), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Upload(context.Background(), uploadInput())
	require.ErrorIs(t, err, domain.ErrIndexContention)
	assert.Zero(t, deps.tx.calls, "no index work without the digest lock")
}

func TestFileService_Upload_CanceledBeforeCommit(t *testing.T) {
	svc, deps := newTestFileService(t)
	ctx, cancel := context.WithCancel(context.Background())

	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(domain.NewBlob(testDigest, testSize, testPath), true, nil)
	deps.store.On("Write", mock.Anything, testDigest, mock.Anything, testSize).Return(testPath, nil)
	deps.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(nil)
	deps.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
	deps.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, testSize).
		Run(func(mock.Arguments) { cancel() }).
		Return(account(testSize), nil)
	deps.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
	deps.store.On("Remove", mock.Anything, testPath).Return(nil)

	_, err := svc.Upload(ctx, uploadInput())
	require.ErrorIs(t, err, domain.ErrOperationCanceled)
	deps.store.AssertCalled(t, "Remove", mock.Anything, testPath)
}

func TestFileService_Upload_CanceledWhileReading(t *testing.T) {
	svc, deps := newTestFileService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Upload(ctx, uploadInput())
	require.ErrorIs(t, err, domain.ErrOperationCanceled)
	assert.Zero(t, deps.tx.calls)
}

// =============================================================================
// Delete
// =============================================================================

func liveFile(charged int64) *domain.File {
	return domain.NewFile(testOwner, "hello.txt", "text/plain", testSize, testDigest, charged)
}

func TestFileService_Delete(t *testing.T) {
	tests := []struct {
		name      string
		file      *domain.File
		ownerID   uuid.UUID
		setup     func(*testDeps, *domain.File)
		wantErr   error
		wantFreed int64
	}{
		{
			name:    "last reference frees bytes",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				released := domain.NewBlob(testDigest, testSize, testPath)
				released.RefCount = 0
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).
					Return(&repository.ReleaseResult{Deleted: true, FreedBytes: testSize, Blob: released}, nil)
				d.accounts.On("RefundDelete", mock.Anything, testOwner, testSize).Return(account(0), nil)
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(released, nil)
				d.blobs.On("Purge", mock.Anything, testDigest).Return(true, nil)
				d.store.On("Remove", mock.Anything, testPath).Return(nil)
			},
			wantFreed: testSize,
		},
		{
			name:    "shared content stays",
			file:    liveFile(0),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).
					Return(&repository.ReleaseResult{Blob: domain.NewBlob(testDigest, testSize, testPath)}, nil)
				d.accounts.On("RefundDelete", mock.Anything, testOwner, int64(0)).Return(account(0), nil)
			},
		},
		{
			name:    "other owner",
			file:    liveFile(testSize),
			ownerID: uuid.New(),
			setup: func(d *testDeps, f *domain.File) {
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
			},
			wantErr: domain.ErrFileNotFound,
		},
		{
			name:    "missing file",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				d.files.On("GetByID", mock.Anything, f.ID).Return(nil, domain.ErrFileNotFound)
			},
			wantErr: domain.ErrFileNotFound,
		},
		{
			name:    "concurrently deleted",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(false, nil)
			},
			wantErr: domain.ErrFileNotFound,
		},
		{
			name:    "reference underflow",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).Return(nil, domain.ErrReferenceUnderflow)
			},
			wantErr: domain.ErrReferenceUnderflow,
		},
		{
			name:    "failed removal leaves blob pending",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				released := domain.NewBlob(testDigest, testSize, testPath)
				released.RefCount = 0
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).
					Return(&repository.ReleaseResult{Deleted: true, FreedBytes: testSize, Blob: released}, nil)
				d.accounts.On("RefundDelete", mock.Anything, testOwner, testSize).Return(account(0), nil)
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(released, nil)
				d.blobs.On("Purge", mock.Anything, testDigest).Return(true, nil)
				d.store.On("Remove", mock.Anything, testPath).Return(errors.New("bucket unavailable"))
			},
			wantFreed: testSize,
		},
		{
			name:    "blob referenced again before removal keeps bytes",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				released := domain.NewBlob(testDigest, testSize, testPath)
				released.RefCount = 0
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).
					Return(&repository.ReleaseResult{Deleted: true, FreedBytes: testSize, Blob: released}, nil)
				d.accounts.On("RefundDelete", mock.Anything, testOwner, testSize).Return(account(0), nil)
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(domain.NewBlob(testDigest, testSize, testPath), nil)
			},
			wantFreed: testSize,
		},
		{
			name:    "purge that matches no row keeps bytes",
			file:    liveFile(testSize),
			ownerID: testOwner,
			setup: func(d *testDeps, f *domain.File) {
				released := domain.NewBlob(testDigest, testSize, testPath)
				released.RefCount = 0
				d.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
				d.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
				d.blobs.On("Release", mock.Anything, testDigest).
					Return(&repository.ReleaseResult{Deleted: true, FreedBytes: testSize, Blob: released}, nil)
				d.accounts.On("RefundDelete", mock.Anything, testOwner, testSize).Return(account(0), nil)
				d.blobs.On("GetByHash", mock.Anything, testDigest).Return(released, nil)
				d.blobs.On("Purge", mock.Anything, testDigest).Return(false, nil)
			},
			wantFreed: testSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestFileService(t)
			tt.setup(deps, tt.file)

			output, err := svc.Delete(context.Background(), DeleteInput{FileID: tt.file.ID, OwnerID: tt.ownerID})

			if tt.wantErr != nil {
				require.Error(t, err)
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantFreed, output.BytesFreed)
				assert.Equal(t, testSize, output.LogicalBytesFreed)
			}

			deps.assertExpectations(t)
		})
	}
}

func TestFileService_UnitsOfWorkLockDigest(t *testing.T) {
	svc, deps := newTestFileService(t)
	deps.blobs.On("LookupOrCreate", mock.Anything, testDigest, testSize, testPath).
		Return(domain.NewBlob(testDigest, testSize, testPath), false, nil)
	deps.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.File")).Return(nil)
	deps.accounts.On("Ensure", mock.Anything, testOwner, int64(1000)).Return(nil)
	deps.accounts.On("ChargeUpload", mock.Anything, testOwner, testSize, int64(0)).Return(account(0), nil)

	_, err := svc.Upload(context.Background(), uploadInput())
	require.NoError(t, err)

	f := liveFile(0)
	deps.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
	deps.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
	deps.blobs.On("Release", mock.Anything, testDigest).
		Return(&repository.ReleaseResult{Blob: domain.NewBlob(testDigest, testSize, testPath)}, nil)
	deps.accounts.On("RefundDelete", mock.Anything, testOwner, int64(0)).Return(account(0), nil)

	_, err = svc.Delete(context.Background(), DeleteInput{FileID: f.ID, OwnerID: testOwner})
	require.NoError(t, err)

	assert.Equal(t, []string{testDigest, testDigest}, deps.blobs.lockedDigests())
	assert.Equal(t, 2, deps.tx.calls)
}

func TestFileService_Delete_PendingRemovalMetric(t *testing.T) {
	svc, deps := newTestFileService(t)
	f := liveFile(testSize)
	released := domain.NewBlob(testDigest, testSize, testPath)
	released.RefCount = 0

	deps.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
	deps.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
	deps.blobs.On("Release", mock.Anything, testDigest).
		Return(&repository.ReleaseResult{Deleted: true, FreedBytes: testSize, Blob: released}, nil)
	deps.accounts.On("RefundDelete", mock.Anything, testOwner, testSize).Return(account(0), nil)
	deps.blobs.On("GetByHash", mock.Anything, testDigest).Return(released, nil)
	deps.blobs.On("Purge", mock.Anything, testDigest).Return(false, nil)

	_, err := svc.Delete(context.Background(), DeleteInput{FileID: f.ID, OwnerID: testOwner})
	require.NoError(t, err)

	deps.store.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.PendingRemovalTotal))
}

func TestFileService_Delete_UnderflowIsReported(t *testing.T) {
	svc, deps := newTestFileService(t)
	f := liveFile(testSize)
	deps.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
	deps.files.On("MarkDeleted", mock.Anything, f.ID, mock.Anything).Return(true, nil)
	deps.blobs.On("Release", mock.Anything, testDigest).Return(nil, domain.ErrReferenceUnderflow)

	_, err := svc.Delete(context.Background(), DeleteInput{FileID: f.ID, OwnerID: testOwner})
	require.ErrorIs(t, err, domain.ErrReferenceUnderflow)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.UnderflowsTotal))
	deps.accounts.AssertNotCalled(t, "RefundDelete", mock.Anything, mock.Anything, mock.Anything)
}

// =============================================================================
// Reads
// =============================================================================

func TestFileService_Open_LegacyFallback(t *testing.T) {
	svc, deps := newTestFileService(t)
	f := liveFile(testSize)

	deps.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
	deps.blobs.On("GetByHash", mock.Anything, testDigest).Return(nil, domain.ErrBlobNotFound)
	deps.store.On("Read", mock.Anything, testPath).Return(nil, storage.ErrBlobNotFound)
	deps.store.On("Read", mock.Anything, "legacy/"+f.ID.String()).
		Return(io.NopCloser(bytes.NewReader(testContent)), nil)

	rc, got, err := svc.Open(context.Background(), f.ID, testOwner)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, testContent, data)
	assert.Equal(t, f.ID, got.ID)
}

func TestFileService_Open_ContentMissing(t *testing.T) {
	svc, deps := newTestFileService(t)
	f := liveFile(testSize)

	deps.files.On("GetByID", mock.Anything, f.ID).Return(f, nil)
	deps.blobs.On("GetByHash", mock.Anything, testDigest).Return(domain.NewBlob(testDigest, testSize, testPath), nil)
	deps.store.On("Read", mock.Anything, mock.Anything).Return(nil, storage.ErrBlobNotFound)

	_, _, err := svc.Open(context.Background(), f.ID, testOwner)
	require.ErrorIs(t, err, ErrContentMissing)
}

func TestFileService_GetStorageSummary_NoAccount(t *testing.T) {
	svc, deps := newTestFileService(t)
	owner := uuid.New()

	deps.accounts.On("Get", mock.Anything, owner).Return(nil, domain.ErrAccountNotFound)
	deps.files.On("CountLiveByOwner", mock.Anything, owner).Return(int64(0), nil)

	summary, err := svc.GetStorageSummary(context.Background(), owner)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalUploaded)
	assert.Zero(t, summary.Used)
	assert.Equal(t, int64(1000), summary.Quota)
	assert.Equal(t, int64(1000), summary.Remaining)
	assert.Zero(t, summary.SavingsPercent)
}

func TestFileService_SetQuota_Negative(t *testing.T) {
	svc, deps := newTestFileService(t)
	deps.accounts.On("SetQuota", mock.Anything, testOwner, int64(-1)).Return(nil, domain.ErrInvalidQuota)

	_, err := svc.SetQuota(context.Background(), testOwner, -1)
	require.ErrorIs(t, err, domain.ErrInvalidQuota)
}
