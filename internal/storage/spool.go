package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prn-tf/alexander-drive/internal/pkg/crypto"
)

// Spool is a temporary on-disk copy of an incoming stream, hashed while it
// was written. It lets the digest be known before any index decision is
// made, and the bytes be replayed to a BlobStore afterwards.
type Spool struct {
	path   string
	digest string
	size   int64
}

// NewSpool copies reader into a temp file under dir while computing its
// digest. The caller must Close the spool to remove the temp file.
func NewSpool(ctx context.Context, dir string, reader io.Reader, hasher crypto.Hasher) (*Spool, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, "upload-*.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	hr := crypto.NewHashReader(NewContextReader(ctx, reader), hasher)
	if _, err := io.Copy(f, hr); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to read upload stream: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}

	return &Spool{
		path:   f.Name(),
		digest: hr.Digest(),
		size:   hr.Size(),
	}, nil
}

// Digest returns the hex digest of the spooled content.
func (s *Spool) Digest() string {
	return s.digest
}

// Size returns the number of spooled bytes.
func (s *Spool) Size() int64 {
	return s.size
}

// Open returns a new reader positioned at the start of the content.
func (s *Spool) Open() (*os.File, error) {
	return os.Open(s.path)
}

// Close removes the temp file.
func (s *Spool) Close() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ContextReader aborts reads once its context is done.
type ContextReader struct {
	ctx    context.Context
	reader io.Reader
}

// NewContextReader wraps reader so that Read fails with ctx.Err() after
// cancellation.
func NewContextReader(ctx context.Context, reader io.Reader) *ContextReader {
	return &ContextReader{ctx: ctx, reader: reader}
}

// Read implements io.Reader.
func (r *ContextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
