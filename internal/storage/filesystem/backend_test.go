package filesystem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
	"github.com/prn-tf/alexander-drive/internal/storage"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := NewBackend(DefaultConfig(root), zerolog.Nop())
	require.NoError(t, err)
	return b, root
}

func readAll(t *testing.T, b *Backend, storagePath string) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), storagePath)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBackend_WriteReadRoundTrip(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()
	data := []byte("round trip content")
	digest := crypto.SHA256().Sum(data)

	path, err := b.Write(ctx, digest, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, digest[0:2]+"/"+digest[2:4]+"/"+digest, path)
	require.Equal(t, path, b.PathFor(digest))

	require.Equal(t, data, readAll(t, b, path))

	info, err := os.Stat(filepath.Join(root, digest[0:2], digest[2:4], digest))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size())

	exists, err := b.Exists(ctx, digest)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestBackend_WriteIsIdempotent(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()
	data := []byte("same bytes twice")
	digest := crypto.SHA256().Sum(data)

	path, err := b.Write(ctx, digest, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	full := filepath.Join(root, filepath.FromSlash(path))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(full, old, old))

	again, err := b.Write(ctx, digest, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, path, again)

	info, err := os.Stat(full)
	require.NoError(t, err)
	require.WithinDuration(t, old, info.ModTime(), time.Second, "existing blob must not be rewritten")
}

func TestBackend_WriteSizeMismatch(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	data := []byte("short")
	digest := crypto.SHA256().Sum(data)

	_, err := b.Write(ctx, digest, bytes.NewReader(data), 100)
	require.ErrorIs(t, err, storage.ErrSizeMismatch)

	exists, err := b.Exists(ctx, digest)
	require.NoError(t, err)
	require.False(t, exists, "partial write must not be published")
}

func TestBackend_WriteCanceled(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := []byte("never lands")
	digest := crypto.SHA256().Sum(data)

	_, err := b.Write(ctx, digest, bytes.NewReader(data), int64(len(data)))
	require.ErrorIs(t, err, context.Canceled)

	exists, err := b.Exists(context.Background(), digest)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBackend_RemoveMissingIsNotAnError(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Remove(ctx, b.PathFor(crypto.SHA256().Sum([]byte("ghost")))))

	data := []byte("to be removed")
	digest := crypto.SHA256().Sum(data)
	path, err := b.Write(ctx, digest, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, path))
	require.NoError(t, b.Remove(ctx, path))

	_, err = b.Read(ctx, path)
	require.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestBackend_RejectsEscapingPaths(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for _, p := range []string{"", "../etc/passwd", "/etc/passwd", ".."} {
		_, err := b.Read(ctx, p)
		require.ErrorIs(t, err, storage.ErrInvalidPath, p)
		require.ErrorIs(t, b.Remove(ctx, p), storage.ErrInvalidPath, p)
	}
}

func TestBackend_LegacyPath(t *testing.T) {
	b, root := newTestBackend(t)
	fileID := "7d0f3a52-57b3-4c1e-9a55-1d2d7e4bd0f1"
	data := []byte("written before sharding")

	require.NoError(t, os.WriteFile(filepath.Join(root, fileID), data, 0644))

	require.Equal(t, fileID, b.LegacyPath(fileID))
	require.Equal(t, data, readAll(t, b, b.LegacyPath(fileID)))
}

func TestBackend_ConcurrentWritesOfSameDigest(t *testing.T) {
	b, root := newTestBackend(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("concurrent"), 4096)
	digest := crypto.SHA256().Sum(data)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := b.Write(gctx, digest, bytes.NewReader(data), int64(len(data)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, data, readAll(t, b, b.PathFor(digest)))

	entries, err := os.ReadDir(filepath.Join(root, digest[0:2], digest[2:4]))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}
