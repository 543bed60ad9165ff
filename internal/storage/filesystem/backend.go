// Package filesystem implements the local filesystem blob store.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/alexander-drive/internal/storage"
)

// Config holds filesystem backend settings.
type Config struct {
	// BasePath is the root directory for blob storage.
	BasePath string

	// Path controls directory sharding below BasePath.
	Path storage.PathConfig

	// DirMode is the permission used for shard directories.
	DirMode os.FileMode

	// FileMode is the permission used for blob files.
	FileMode os.FileMode
}

// DefaultConfig returns the default filesystem configuration.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath: basePath,
		Path:     storage.DefaultPathConfig(),
		DirMode:  0755,
		FileMode: 0644,
	}
}

// Backend stores one file per digest beneath BasePath.
type Backend struct {
	config Config
	logger zerolog.Logger
	writes singleflight.Group
}

// NewBackend creates the storage root if needed and returns a Backend.
func NewBackend(cfg Config, logger zerolog.Logger) (*Backend, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("filesystem backend requires a base path")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	logger.Info().
		Str("base_path", cfg.BasePath).
		Int("shard_levels", cfg.Path.ShardLevels).
		Msg("filesystem blob store ready")

	return &Backend{
		config: cfg,
		logger: logger.With().Str("component", "fs_store").Logger(),
	}, nil
}

// PathFor returns the canonical relative path for a digest.
func (b *Backend) PathFor(digest string) string {
	return storage.ComputePath(b.config.Path, digest)
}

// LegacyPath returns the relative path of the bare-identifier layout.
func (b *Backend) LegacyPath(fileID string) string {
	return storage.ComputeLegacyPath(fileID)
}

// Exists checks if content with the given digest is present.
func (b *Backend) Exists(ctx context.Context, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	full, err := b.fullPath(b.PathFor(digest))
	if err != nil {
		return false, err
	}

	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob: %w", err)
}

// Write stores content under its digest path.
// Concurrent writers of one digest in this process share a single write.
func (b *Backend) Write(ctx context.Context, digest string, reader io.Reader, size int64) (string, error) {
	rel := b.PathFor(digest)
	full, err := b.fullPath(rel)
	if err != nil {
		return "", err
	}

	_, err, shared := b.writes.Do(digest, func() (interface{}, error) {
		return nil, b.write(ctx, full, reader, size)
	})
	if err != nil {
		return "", err
	}
	if shared {
		b.logger.Debug().Str("content_hash", digest).Msg("blob write coalesced")
	}

	return rel, nil
}

// write performs a temp-file-and-rename write unless a complete copy exists.
func (b *Backend) write(ctx context.Context, full string, reader io.Reader, size int64) error {
	if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() && (size < 0 || info.Size() == size) {
		return nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, b.config.DirMode); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, storage.NewContextReader(ctx, reader))
	if err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("%w: expected %d bytes, wrote %d", storage.ErrSizeMismatch, size, written)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmpName, b.config.FileMode); err != nil {
		return fmt.Errorf("failed to set blob permissions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	committed = true

	return nil
}

// Remove deletes the blob at storagePath. Shard directories are left in place.
func (b *Backend) Remove(ctx context.Context, storagePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := b.fullPath(storagePath)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove blob: %w", err)
	}

	return nil
}

// Read opens the blob at storagePath.
func (b *Backend) Read(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := b.fullPath(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrBlobNotFound, storagePath)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", storage.ErrBlobNotFound, storagePath)
	}

	return f, nil
}

// fullPath maps a relative storage path onto the local filesystem.
func (b *Backend) fullPath(storagePath string) (string, error) {
	rel, err := storage.CleanPath(storagePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.config.BasePath, filepath.FromSlash(rel)), nil
}

// Ensure Backend implements storage.BlobStore.
var _ storage.BlobStore = (*Backend)(nil)
