package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-drive/internal/storage"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*awss3.HeadObjectOutput), args.Error(1)
}

func (m *mockAPI) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Key), aws.ToInt64(params.ContentLength))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*awss3.PutObjectOutput), args.Error(1)
}

func (m *mockAPI) GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*awss3.GetObjectOutput), args.Error(1)
}

func (m *mockAPI) DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*awss3.DeleteObjectOutput), args.Error(1)
}

const testDigest = "abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"

func newTestBackend(t *testing.T) (*Backend, *mockAPI) {
	t.Helper()
	api := new(mockAPI)
	b, err := NewBackend(api, Config{Bucket: "blobs", Prefix: "/drive/"}, zerolog.Nop())
	require.NoError(t, err)
	return b, api
}

func TestBackend_Write(t *testing.T) {
	key := "drive/ab/cd/" + testDigest

	tests := []struct {
		name    string
		setup   func(*mockAPI)
		wantErr bool
	}{
		{
			name: "new blob is uploaded",
			setup: func(api *mockAPI) {
				api.On("HeadObject", mock.Anything, key).Return(nil, &types.NotFound{})
				api.On("PutObject", mock.Anything, key, int64(5)).Return(&awss3.PutObjectOutput{}, nil)
			},
		},
		{
			name: "existing blob is not rewritten",
			setup: func(api *mockAPI) {
				api.On("HeadObject", mock.Anything, key).Return(&awss3.HeadObjectOutput{ContentLength: aws.Int64(5)}, nil)
			},
		},
		{
			name: "truncated blob is replaced",
			setup: func(api *mockAPI) {
				api.On("HeadObject", mock.Anything, key).Return(&awss3.HeadObjectOutput{ContentLength: aws.Int64(2)}, nil)
				api.On("PutObject", mock.Anything, key, int64(5)).Return(&awss3.PutObjectOutput{}, nil)
			},
		},
		{
			name: "put failure",
			setup: func(api *mockAPI) {
				api.On("HeadObject", mock.Anything, key).Return(nil, &types.NotFound{})
				api.On("PutObject", mock.Anything, key, int64(5)).Return(nil, errors.New("503 slow down"))
			},
			wantErr: true,
		},
		{
			name: "head failure",
			setup: func(api *mockAPI) {
				api.On("HeadObject", mock.Anything, key).Return(nil, errors.New("network unreachable"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, api := newTestBackend(t)
			tt.setup(api)

			path, err := b.Write(context.Background(), testDigest, bytes.NewReader([]byte("hello")), 5)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, "ab/cd/"+testDigest, path)
			}
			api.AssertExpectations(t)
		})
	}
}

func TestBackend_Read(t *testing.T) {
	b, api := newTestBackend(t)
	ctx := context.Background()

	api.On("GetObject", mock.Anything, "drive/ab/cd/"+testDigest).
		Return(&awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("hello")))}, nil)
	api.On("GetObject", mock.Anything, "drive/missing").Return(nil, &types.NoSuchKey{})

	rc, err := b.Read(ctx, b.PathFor(testDigest))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = b.Read(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrBlobNotFound)

	_, err = b.Read(ctx, "../escape")
	require.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestBackend_RemoveAndExists(t *testing.T) {
	b, api := newTestBackend(t)
	ctx := context.Background()
	key := "drive/ab/cd/" + testDigest

	api.On("DeleteObject", mock.Anything, key).Return(&awss3.DeleteObjectOutput{}, nil).Once()
	api.On("DeleteObject", mock.Anything, key).Return(nil, &types.NoSuchKey{}).Once()
	api.On("HeadObject", mock.Anything, key).Return(nil, &types.NotFound{})

	require.NoError(t, b.Remove(ctx, b.PathFor(testDigest)))
	require.NoError(t, b.Remove(ctx, b.PathFor(testDigest)))

	exists, err := b.Exists(ctx, testDigest)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestNewBackend_RequiresBucket(t *testing.T) {
	_, err := NewBackend(new(mockAPI), Config{}, zerolog.Nop())
	require.Error(t, err)
}
