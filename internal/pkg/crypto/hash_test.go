package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasher(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		want      string
		length    int
		wantErr   bool
	}{
		{name: "default", algorithm: "", want: AlgorithmSHA256, length: 64},
		{name: "sha256", algorithm: "sha256", want: AlgorithmSHA256, length: 64},
		{name: "upper case", algorithm: "SHA256", want: AlgorithmSHA256, length: 64},
		{name: "blake2b", algorithm: "blake2b-256", want: AlgorithmBLAKE2b, length: 64},
		{name: "blake3", algorithm: "blake3", want: AlgorithmBLAKE3, length: 64},
		{name: "unknown", algorithm: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHasher(tt.algorithm)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, h.Algorithm())
			require.Equal(t, tt.length, h.DigestLength())
		})
	}
}

func TestHasher_KnownVector(t *testing.T) {
	h := SHA256()
	require.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		h.Sum([]byte("abc")),
	)
	require.Equal(t, ComputeSHA256([]byte("abc")), h.Sum([]byte("abc")))
}

func TestHasher_Deterministic(t *testing.T) {
	data := bytes.Repeat([]byte("dedup"), 1000)

	for _, algorithm := range []string{AlgorithmSHA256, AlgorithmBLAKE2b, AlgorithmBLAKE3} {
		t.Run(algorithm, func(t *testing.T) {
			first := MustHasher(algorithm).Sum(data)
			second := MustHasher(algorithm).Sum(append([]byte(nil), data...))

			require.Equal(t, first, second)
			require.True(t, ValidateDigest(first, 64))
			require.NotEqual(t, first, MustHasher(algorithm).Sum(data[1:]))
		})
	}
}

func TestHasher_AlgorithmsDiffer(t *testing.T) {
	data := []byte("same bytes")
	require.NotEqual(t, MustHasher(AlgorithmSHA256).Sum(data), MustHasher(AlgorithmBLAKE2b).Sum(data))
	require.NotEqual(t, MustHasher(AlgorithmSHA256).Sum(data), MustHasher(AlgorithmBLAKE3).Sum(data))
}

func TestHashReader(t *testing.T) {
	data := []byte("hello world")
	h := SHA256()

	hr := NewHashReader(bytes.NewReader(data), h)
	out, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, out)
	require.Equal(t, int64(len(data)), hr.Size())
	require.Equal(t, h.Sum(data), hr.Digest())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestComputeStreamDigest(t *testing.T) {
	h := SHA256()

	digest, size, err := ComputeStreamDigest(bytes.NewReader([]byte("abc")), h)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
	require.Equal(t, h.Sum([]byte("abc")), digest)

	_, _, err = ComputeStreamDigest(failingReader{}, h)
	require.Error(t, err)
}

func TestValidateDigest(t *testing.T) {
	valid := SHA256().Sum([]byte("x"))
	require.True(t, ValidateDigest(valid, 64))
	require.False(t, ValidateDigest(valid[:63], 64))
	require.False(t, ValidateDigest("ZZ"+valid[2:], 64))
}
