// Package s3 implements a blob store on any S3-compatible object service.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drive/internal/storage"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Path            storage.PathConfig
}

// API is the subset of the S3 client used by Backend.
type API interface {
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Backend stores one object per digest in a bucket.
type Backend struct {
	client API
	config Config
	logger zerolog.Logger
}

// NewClient builds an S3 client from static credentials.
// A custom endpoint (MinIO, Ceph, Alexander Storage) is used when set.
func NewClient(ctx context.Context, cfg Config) (*awss3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewBackend creates a new S3 blob store.
func NewBackend(client API, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket")
	}
	if cfg.Path.ShardLevels == 0 && cfg.Path.ShardWidth == 0 {
		cfg.Path = storage.DefaultPathConfig()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	logger.Info().
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Str("endpoint", cfg.Endpoint).
		Msg("s3 blob store ready")

	return &Backend{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "s3_store").Logger(),
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
	_, err := b.head(ctx, b.PathFor(digest))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Write uploads content unless an object of the expected size exists.
// The reader should be an io.ReadSeeker so the request can be signed
// and retried by the SDK.
func (b *Backend) Write(ctx context.Context, digest string, reader io.Reader, size int64) (string, error) {
	rel := b.PathFor(digest)

	existing, err := b.head(ctx, rel)
	switch {
	case err == nil && (size < 0 || existing == size):
		return rel, nil
	case err != nil && !storage.IsNotFound(err):
		return "", err
	}

	input := &awss3.PutObjectInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(b.key(rel)),
		Body:        reader,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"content-digest": digest},
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put blob: %w", err)
	}

	b.logger.Debug().Str("content_hash", digest).Int64("size", size).Msg("blob uploaded")
	return rel, nil
}

// Remove deletes the object at storagePath. S3 deletes are idempotent.
func (b *Backend) Remove(ctx context.Context, storagePath string) error {
	rel, err := storage.CleanPath(storagePath)
	if err != nil {
		return err
	}

	_, err = b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Read opens the object at storagePath.
func (b *Backend) Read(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	rel, err := storage.CleanPath(storagePath)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrBlobNotFound, storagePath)
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return out.Body, nil
}

// head returns the stored size of the object at a relative path.
func (b *Backend) head(ctx context.Context, rel string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: %s", storage.ErrBlobNotFound, rel)
		}
		return 0, fmt.Errorf("failed to head blob: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// key prefixes a relative path with the configured key prefix.
func (b *Backend) key(rel string) string {
	if b.config.Prefix == "" {
		return rel
	}
	return b.config.Prefix + "/" + rel
}

// isNotFound recognizes the not-found shapes returned by S3 and compatible services.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// Ensure Backend implements storage.BlobStore.
var _ storage.BlobStore = (*Backend)(nil)
